package network

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
)

// FilePart is one file in a multipart body.
type FilePart struct {
	Field       string
	Filename    string
	ContentType string
	Content     io.Reader
}

// Multipart is a request body sent as multipart/form-data. The boundary, and
// therefore the Content-Type header, is chosen by the writer.
type Multipart struct {
	Fields map[string]string
	Files  []FilePart
}

// NewFileUpload builds a body carrying a single file.
func NewFileUpload(field, filename string, content io.Reader) *Multipart {
	return &Multipart{Files: []FilePart{{Field: field, Filename: filename, Content: content}}}
}

// stream writes the body into a pipe from a separate goroutine and returns the
// reader end together with its Content-Type.
func (m *Multipart) stream() (io.ReadCloser, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(m.writeTo(mw))
	}()
	return pr, mw.FormDataContentType()
}

func (m *Multipart) writeTo(mw *multipart.Writer) error {
	for k, v := range m.Fields {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("multipart: field %q: %w", k, err)
		}
	}
	for _, f := range m.Files {
		var (
			part io.Writer
			err  error
		)
		if f.ContentType != "" {
			h := make(textproto.MIMEHeader)
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.Field, f.Filename))
			h.Set("Content-Type", f.ContentType)
			part, err = mw.CreatePart(h)
		} else {
			part, err = mw.CreateFormFile(f.Field, f.Filename)
		}
		if err != nil {
			return fmt.Errorf("multipart: file %q: %w", f.Filename, err)
		}
		if _, err := io.Copy(part, f.Content); err != nil {
			return fmt.Errorf("multipart: copy %q: %w", f.Filename, err)
		}
	}
	return mw.Close()
}
