// Package attachment classifies attachment availability and copies
// available content into a content-addressed store.
package attachment

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/threadvault/threadvault/internal/source"
)

// Status of a resolved attachment.
type Status string

const (
	// StatusLocal means the content was read and stored.
	StatusLocal Status = "local"
	// StatusRemoteUnavailable means the content was never transferred
	// to this device. Not an error; recorded as metadata only.
	StatusRemoteUnavailable Status = "remote-unavailable"
	// StatusExtractionFailed means content should exist but could not
	// be extracted. FailureReason carries the cause.
	StatusExtractionFailed Status = "extraction-failed"
)

const (
	ReasonSizeLimit = "size-limit"
	ReasonMissing   = "file-missing"
	ReasonReadError = "read-error"
)

// Resolved is the outcome of resolving one attachment reference.
type Resolved struct {
	Status        Status
	FailureReason string
	// StoragePath is relative to the store root, set only for StatusLocal.
	StoragePath string
	ContentHash string
	MimeType    string
	TotalBytes  int64
}

// Locator maps a store's transfer path to a readable file. The second
// return is false when the mapping itself shows the content is absent.
type Locator interface {
	Locate(transferPath string) (string, bool, error)
}

// LocalLocator resolves live-store transfer paths, expanding the "~/"
// prefix the store records them with.
type LocalLocator struct {
	Home string
}

func (l LocalLocator) Locate(transferPath string) (string, bool, error) {
	if strings.HasPrefix(transferPath, "~/") {
		return filepath.Join(l.Home, transferPath[2:]), true, nil
	}
	return transferPath, true, nil
}

// Resolver copies attachment content into a content-addressed store
// rooted at Root, deduplicating by content hash.
type Resolver struct {
	Root     string
	MaxBytes int64
	Locator  Locator
}

// Resolve classifies availability before touching the filesystem, then
// extracts available content. It never returns an error: every failure
// mode is a Resolved status so one bad attachment cannot stop a run.
func (r *Resolver) Resolve(ref *source.RawAttachmentRef) Resolved {
	res := Resolved{
		MimeType:   resolveMime(ref.MimeType, ref.Filename),
		TotalBytes: ref.TotalBytes,
	}

	// Availability first: undownloaded content is expected, not a failure.
	if ref.Undownloaded || ref.TransferPath == "" {
		res.Status = StatusRemoteUnavailable
		return res
	}

	path, present, err := r.Locator.Locate(ref.TransferPath)
	if err != nil {
		res.Status = StatusExtractionFailed
		res.FailureReason = fmt.Sprintf("%s: %v", ReasonReadError, err)
		return res
	}
	if !present {
		res.Status = StatusRemoteUnavailable
		return res
	}

	info, err := os.Stat(path)
	if err != nil {
		res.Status = StatusExtractionFailed
		res.FailureReason = ReasonMissing
		return res
	}
	res.TotalBytes = info.Size()
	if r.MaxBytes > 0 && info.Size() > r.MaxBytes {
		res.Status = StatusExtractionFailed
		res.FailureReason = ReasonSizeLimit
		return res
	}

	hash, err := hashFile(path)
	if err != nil {
		res.Status = StatusExtractionFailed
		res.FailureReason = fmt.Sprintf("%s: %v", ReasonReadError, err)
		return res
	}

	rel := filepath.Join(hash[:2], hash+strings.ToLower(filepath.Ext(ref.Filename)))
	if err := r.place(path, rel); err != nil {
		res.Status = StatusExtractionFailed
		res.FailureReason = fmt.Sprintf("%s: %v", ReasonReadError, err)
		return res
	}

	res.Status = StatusLocal
	res.ContentHash = hash
	res.StoragePath = rel
	return res
}

// place copies src into the store unless identical content is already
// there. The hash-derived name makes an existing file a guaranteed match.
func (r *Resolver) place(src, rel string) error {
	dst := filepath.Join(r.Root, rel)
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tv-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// resolveMime falls back from the declared type to the filename
// extension, then to the generic binary type.
func resolveMime(declared, filename string) string {
	if declared != "" {
		return declared
	}
	if ext := filepath.Ext(filename); ext != "" {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			return byExt
		}
	}
	return "application/octet-stream"
}
