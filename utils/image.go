package utils

import (
	"bytes"
	"path"
	"strings"

	"github.com/disintegration/imaging"
)

// CompressProofImage downsizes JPEG/PNG images wider than maxWidth and re-encodes
// them as JPEG. Other content, or images already small enough, are returned as is.
func CompressProofImage(data []byte, mimeType, fileName string, maxWidth int) ([]byte, string, string, error) {
	if maxWidth <= 0 {
		return data, mimeType, fileName, nil
	}
	switch strings.ToLower(mimeType) {
	case "image/jpeg", "image/jpg", "image/png":
	default:
		return data, mimeType, fileName, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return data, mimeType, fileName, err
	}
	if img.Bounds().Dx() <= maxWidth {
		return data, mimeType, fileName, nil
	}

	resized := imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return data, mimeType, fileName, err
	}
	return buf.Bytes(), "image/jpeg", jpegName(fileName), nil
}

func jpegName(fileName string) string {
	ext := path.Ext(fileName)
	return strings.TrimSuffix(fileName, ext) + ".jpg"
}
