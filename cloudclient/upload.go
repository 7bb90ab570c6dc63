package cloudclient

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"bitbucket.org/mmdatafocus/tcgpos_sync/possync"
)

// UploadProof sends the proof file as multipart form data; the cloud stores it
// and links it to the sale.
func (c *Client) UploadProof(ctx context.Context, req possync.ProofUploadRequest) (*possync.ProofUploadResponse, error) {
	if strings.TrimSpace(req.SaleId) == "" {
		return nil, possync.Structural(possync.CodeValidationFailed, "proof upload without sale id", nil)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", multipartFileDisposition("file", req.FileName))
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, possync.Structural(possync.CodeRequestRejected, "build multipart body", err)
	}
	if _, err := part.Write(req.FileBuffer); err != nil {
		return nil, possync.Structural(possync.CodeRequestRejected, "build multipart body", err)
	}
	if err := w.WriteField("saleId", req.SaleId); err != nil {
		return nil, possync.Structural(possync.CodeRequestRejected, "build multipart body", err)
	}
	if err := w.Close(); err != nil {
		return nil, possync.Structural(possync.CodeRequestRejected, "build multipart body", err)
	}

	headers := http.Header{}
	headers.Set("Content-Type", w.FormDataContentType())
	var out possync.ProofUploadResponse
	if err := c.do(ctx, http.MethodPost, salePath(req.SaleId, "proof"), nil, &buf, headers, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func multipartFileDisposition(field, fileName string) string {
	if fileName == "" {
		fileName = "proof"
	}
	return `form-data; name="` + quoteEscaper.Replace(field) + `"; filename="` + quoteEscaper.Replace(fileName) + `"`
}
