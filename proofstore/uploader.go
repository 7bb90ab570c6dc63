package proofstore

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/tcgpos_sync/config"
	"bitbucket.org/mmdatafocus/tcgpos_sync/possync"
	"bitbucket.org/mmdatafocus/tcgpos_sync/utils"
	"github.com/sirupsen/logrus"
)

// SaleProofAttacher links a stored proof URL to its sale in the cloud.
// *cloudclient.Client implements it.
type SaleProofAttacher interface {
	AttachSaleProof(ctx context.Context, saleId, proofURL string) (*possync.ProofUploadResponse, error)
}

// Uploader stores the proof in a bucket, then attaches the resulting URL to the sale.
// It satisfies possync.ProofUploader.
type Uploader struct {
	Store      ObjectStore
	Attacher   SaleProofAttacher
	URLs       utils.ObjectURLConfig
	TerminalId string
	Now        func() time.Time
	Logger     *logrus.Logger
}

var _ possync.ProofUploader = (*Uploader)(nil)

func (u *Uploader) UploadProof(ctx context.Context, req possync.ProofUploadRequest) (*possync.ProofUploadResponse, error) {
	if strings.TrimSpace(req.SaleId) == "" {
		return nil, possync.Structural(possync.CodeValidationFailed, "proof upload without sale id", nil)
	}
	now := time.Now
	if u.Now != nil {
		now = u.Now
	}
	key := utils.ProofObjectKey(u.TerminalId, req.SaleId, req.FileName, now())

	if err := u.Store.Put(ctx, key, req.FileBuffer, req.MimeType); err != nil {
		return nil, possync.Retriable(possync.CodeStorageError, "store proof object "+key, err)
	}
	proofURL := utils.BuildObjectAccessURL(u.URLs, key)

	logger := u.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	logger.WithFields(logrus.Fields{
		"field":   "ProofStore",
		"sale_id": req.SaleId,
		"key":     key,
		"bytes":   len(req.FileBuffer),
	}).Info("proof stored")

	resp, err := u.Attacher.AttachSaleProof(ctx, req.SaleId, proofURL)
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Url == "" {
		return &possync.ProofUploadResponse{Url: proofURL}, nil
	}
	return resp, nil
}
