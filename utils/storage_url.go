package utils

import (
	"net/url"
	"path"
	"strings"
	"time"
)

// ObjectURLConfig describes how stored objects are reached publicly.
type ObjectURLConfig struct {
	// AccessBaseURL may contain "{objectKey}", end in a query ("...?key="), or be a plain prefix.
	AccessBaseURL string
	GCSBucket     string
	SpacesURL     string
	SpacesBucket  string
}

// BuildObjectAccessURL returns the public URL for objectKey, or the key itself
// when nothing is configured.
func BuildObjectAccessURL(cfg ObjectURLConfig, objectKey string) string {
	base := strings.TrimSpace(cfg.AccessBaseURL)
	if base != "" {
		if strings.Contains(base, "{objectKey}") {
			escaped := objectKey
			if strings.Contains(base, "?") {
				escaped = url.QueryEscape(objectKey)
			}
			return strings.ReplaceAll(base, "{objectKey}", escaped)
		}
		if strings.Contains(base, "?") {
			return base + url.QueryEscape(objectKey)
		}
		return strings.TrimRight(base, "/") + "/" + objectKey
	}

	if bucket := strings.TrimSpace(cfg.GCSBucket); bucket != "" {
		return "https://storage.googleapis.com/" + bucket + "/" + objectKey
	}

	spURL := strings.TrimSpace(cfg.SpacesURL)
	spURL = strings.TrimPrefix(strings.TrimPrefix(spURL, "https://"), "http://")
	spBucket := strings.TrimSpace(cfg.SpacesBucket)
	if spURL != "" && spBucket != "" {
		return "https://" + spBucket + "." + spURL + "/" + objectKey
	}

	return objectKey
}

// ProofObjectKey places a proof under the terminal and day it was taken.
func ProofObjectKey(terminalId, saleId, fileName string, at time.Time) string {
	terminalId = strings.TrimSpace(terminalId)
	if terminalId == "" {
		terminalId = "unassigned"
	}
	ext := strings.ToLower(path.Ext(fileName))
	return path.Join("pos-proofs", terminalId, at.UTC().Format("2006/01/02"), saleId+"-"+GenerateUniqueFilename()+ext)
}
