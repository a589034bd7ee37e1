package frame

import (
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
)

// UploadField is the multipart form field carrying the image.
const UploadField = "image"

// ErrNoImage is returned when the request carries no usable image part.
var ErrNoImage = errors.New("no image in upload")

// DecodeUpload reads the whole image part of a multipart upload. Nothing is
// returned until the body has been read completely, so a broken upload can
// never be published.
func DecodeUpload(r *http.Request, maxMemory int64) ([]byte, error) {
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		return nil, errors.Wrap(ErrNoImage, err.Error())
	}
	file, _, err := r.FormFile(UploadField)
	if err != nil {
		return nil, errors.Wrap(ErrNoImage, err.Error())
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, errors.Wrap(err, "read image part")
	}
	if len(data) == 0 {
		return nil, ErrNoImage
	}
	return data, nil
}
