package possync

import (
	"context"
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"bitbucket.org/mmdatafocus/tcgpos_sync/models"
	"bitbucket.org/mmdatafocus/tcgpos_sync/utils"
	"github.com/sirupsen/logrus"
)

// ProofUploadPayload is the PROOF_UPLOAD journal payload.
type ProofUploadPayload struct {
	SaleId   string `json:"saleId" validate:"required"`
	FilePath string `json:"filePath" validate:"required"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
}

func parseProofUpload(payload map[string]any) (ProofUploadPayload, error) {
	var out ProofUploadPayload
	out.SaleId, _ = payloadString(payload, "saleId")
	out.FilePath, _ = payloadString(payload, "filePath")
	out.FileName, _ = payloadString(payload, "fileName")
	out.MimeType, _ = payloadString(payload, "mimeType")
	if err := utils.ValidateStruct(out); err != nil {
		return out, Structural(CodeValidationFailed, utils.ValidationMessage(err), err)
	}
	if out.FileName == "" {
		out.FileName = filepath.Base(out.FilePath)
	}
	return out, nil
}

// FlushProofUploadJournal uploads payment proofs and links them to their sale.
// The local file is removed once the event is SYNCED.
func (f *Flusher) FlushProofUploadJournal(ctx context.Context) (FlushResult, error) {
	return f.flush(ctx, "possync.FlushProofUploadJournal", models.JournalEventTypeProofUpload, f.deliverProof)
}

func (f *Flusher) deliverProof(ctx context.Context, ev models.SyncJournalEvent, payload map[string]any) (func(), error) {
	p, err := parseProofUpload(payload)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p.FilePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, Structural(CodeProofFileMissing, "proof file not found: "+p.FilePath, err)
		}
		return nil, Retriable(CodeProofReadFailed, "read proof file", err)
	}

	mimeType := p.MimeType
	if mimeType == "" {
		mimeType = mime.TypeByExtension(strings.ToLower(filepath.Ext(p.FileName)))
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	fileName := p.FileName

	if f.ProofMaxWidth > 0 {
		small, smallMime, smallName, cerr := utils.CompressProofImage(data, mimeType, fileName, f.ProofMaxWidth)
		if cerr != nil {
			f.logger().WithFields(logrus.Fields{
				"field":    "JournalFlusher",
				"event_id": ev.ID,
				"file":     p.FilePath,
			}).Warn("proof compression failed, uploading original: " + cerr.Error())
		} else {
			data, mimeType, fileName = small, smallMime, smallName
		}
	}

	if f.Proofs == nil {
		return nil, Retriable(CodeStorageError, "proof uploader is not configured", nil)
	}
	resp, err := f.Proofs.UploadProof(ctx, ProofUploadRequest{
		FileBuffer: data,
		FileName:   fileName,
		MimeType:   mimeType,
		SaleId:     p.SaleId,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil || strings.TrimSpace(resp.Url) == "" {
		return nil, Retriable(CodeInvalidResponse, "proof upload returned no url", nil)
	}

	if f.Sales != nil {
		if err := f.Sales.UpdateProof(ctx, p.SaleId, resp.Url, models.ProofStatusUploaded); err != nil {
			if errors.Is(err, models.ErrSaleNotFound) {
				return nil, Structural(CodeSaleNotFound, "sale "+p.SaleId+" not found locally", err)
			}
			return nil, Retriable(CodeStorageError, "store proof url", err)
		}
	}

	path := p.FilePath
	return func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			f.logger().WithFields(logrus.Fields{
				"field":    "JournalFlusher",
				"event_id": ev.ID,
				"file":     path,
			}).Warn("uploaded proof could not be removed: " + err.Error())
		}
	}, nil
}
