package convert

import (
	"context"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Image re-encodes raster images. Decoding covers png, jpeg, gif, webp,
// bmp and tiff; webp output is delegated to ffmpeg because there is no
// pure Go webp encoder.
type Image struct {
	Tools Tools
}

func (c Image) Convert(ctx context.Context, req Request) (string, error) {
	out, err := c.convert(ctx, req)
	if err != nil {
		return "", fmt.Errorf("image conversion failed: %w", err)
	}
	return out, nil
}

func (c Image) convert(ctx context.Context, req Request) (string, error) {
	out, err := req.outputPath()
	if err != nil {
		return "", err
	}
	req.report(10)

	if req.OutputFormat == "webp" {
		bin, err := c.Tools.ffmpeg()
		if err != nil {
			return "", err
		}
		args := []string{"-i", req.InputPath, "-quality", "85", out}
		if err := transcode(ctx, bin, args, 0, req.report); err != nil {
			os.Remove(out)
			return "", err
		}
		return out, nil
	}

	in, err := os.Open(req.InputPath)
	if err != nil {
		return "", err
	}
	defer in.Close()

	img, _, err := image.Decode(in)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", req.InputFormat, err)
	}
	req.report(50)
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := encodeImage(out, req.OutputFormat, img); err != nil {
		os.Remove(out)
		return "", err
	}
	req.report(90)
	return out, nil
}

func encodeImage(path, format string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	switch format {
	case "png":
		err = (&png.Encoder{CompressionLevel: png.BestCompression}).Encode(f, img)
	case "jpeg", "jpg":
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: 85})
	case "gif":
		err = gif.Encode(f, img, nil)
	case "tiff":
		err = tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate})
	case "bmp":
		err = bmp.Encode(f, img)
	default:
		err = fmt.Errorf("cannot encode %q", format)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
