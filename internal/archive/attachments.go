package archive

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/harborline/mailroom/internal/types"
)

// Images referenced in bodies or attached by path are normalized to a
// single encoding (PNG), content-addressed by SHA-1 of the source bytes,
// and either inlined as data URIs or stored under attachments/.

var imagePattern = regexp.MustCompile(`!\[[^\]]*\]\((?P<path>[^)]+)\)`)

// ProcessOptions tunes attachment handling for one send.
type ProcessOptions struct {
	Policy         types.AttachmentsPolicy
	ConvertImages  bool
	InlineMaxBytes int64
}

// ProcessResult carries the rewritten body, attachment metadata, and the
// repo-relative paths that must join the delivery commit.
type ProcessResult struct {
	Body        string
	Attachments []types.Attachment
	CommitPaths []string
}

// ProcessAttachments rewrites markdown image references in the body and
// stores explicitly attached files. Data URIs already inline are left in
// place but surfaced in the metadata.
func (p *ProjectArchive) ProcessAttachments(body string, paths []string, opts ProcessOptions) (*ProcessResult, error) {
	res := &ProcessResult{Body: body}
	if opts.ConvertImages {
		if err := p.convertBodyImages(res, opts); err != nil {
			return nil, err
		}
	} else if strings.Contains(body, "data:image") {
		for _, m := range imagePattern.FindAllStringSubmatch(body, -1) {
			if ref := strings.TrimSpace(m[1]); strings.HasPrefix(ref, "data:") {
				res.Attachments = append(res.Attachments, types.Attachment{
					Type:      "inline",
					MediaType: dataURIMediaType(ref),
				})
			}
		}
	}
	for _, path := range paths {
		if !filepath.IsAbs(path) {
			path = filepath.Join(p.Dir, path)
		}
		att, rel, err := p.storeImage(path, opts)
		if err != nil {
			return nil, err
		}
		res.Attachments = append(res.Attachments, att)
		if rel != "" {
			res.CommitPaths = append(res.CommitPaths, rel)
		}
	}
	return res, nil
}

func (p *ProjectArchive) convertBodyImages(res *ProcessResult, opts ProcessOptions) error {
	var err error
	res.Body = imagePattern.ReplaceAllStringFunc(res.Body, func(match string) string {
		if err != nil {
			return match
		}
		sub := imagePattern.FindStringSubmatch(match)
		ref := sub[1]
		trimmed := strings.TrimSpace(ref)
		if strings.HasPrefix(trimmed, "data:") {
			res.Attachments = append(res.Attachments, types.Attachment{
				Type:      "inline",
				MediaType: dataURIMediaType(trimmed),
			})
			return match
		}
		file := trimmed
		if !filepath.IsAbs(file) {
			file = filepath.Join(p.Dir, file)
		}
		if info, statErr := os.Stat(file); statErr != nil || info.IsDir() {
			return match
		}
		att, rel, storeErr := p.storeImage(file, opts)
		if storeErr != nil {
			err = storeErr
			return match
		}
		res.Attachments = append(res.Attachments, att)
		if rel != "" {
			res.CommitPaths = append(res.CommitPaths, rel)
		}
		replacement := att.Path
		if att.Type == "inline" {
			replacement = "data:" + att.MediaType + ";base64," + att.Data
		}
		return strings.Replace(match, ref, replacement, 1)
	})
	return err
}

// storeImage normalizes one image file into the content-addressed store
// and decides inline vs file placement per the policy.
func (p *ProjectArchive) storeImage(path string, opts ProcessOptions) (types.Attachment, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Attachment{}, "", fmt.Errorf("reading attachment %s: %w", path, err)
	}
	digest := sha1.Sum(data)
	hexDigest := hex.EncodeToString(digest[:])

	stored, width, height, mediaType, ext := normalizeImage(data, filepath.Ext(path))

	targetDir := filepath.Join(p.Dir, "attachments", hexDigest[:2])
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return types.Attachment{}, "", fmt.Errorf("creating attachment dir: %w", err)
	}
	targetPath := filepath.Join(targetDir, hexDigest+ext)
	if _, err := os.Stat(targetPath); os.IsNotExist(err) {
		if err := os.WriteFile(targetPath, stored, 0o644); err != nil {
			return types.Attachment{}, "", fmt.Errorf("writing attachment: %w", err)
		}
	}
	rel := p.m.RelPath(targetPath)

	p.appendAttachmentAudit(hexDigest, map[string]any{
		"event":          "stored",
		"ts":             time.Now().UTC().Format(time.RFC3339),
		"path":           rel,
		"bytes":          len(stored),
		"bytes_original": len(data),
		"media_type":     mediaType,
	})

	att := types.Attachment{
		MediaType: mediaType,
		Digest:    hexDigest,
		SizeBytes: int64(len(stored)),
		Width:     width,
		Height:    height,
	}
	inline := false
	switch opts.Policy {
	case types.AttachInline:
		inline = true
	case types.AttachFile:
		inline = false
	default:
		inline = int64(len(stored)) <= opts.InlineMaxBytes
	}
	if inline {
		att.Type = "inline"
		att.Data = base64.StdEncoding.EncodeToString(stored)
	} else {
		att.Type = "file"
		att.Path = rel
	}
	return att, rel, nil
}

// normalizeImage re-encodes decodable images to PNG; bytes that do not
// decode are stored as-is with their original extension.
func normalizeImage(data []byte, origExt string) (stored []byte, width, height int, mediaType, ext string) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		ext = strings.ToLower(origExt)
		if ext == "" {
			ext = ".bin"
		}
		return data, 0, 0, "application/octet-stream", ext
	}
	bounds := img.Bounds()
	width, height = bounds.Dx(), bounds.Dy()
	if format == "png" {
		return data, width, height, "image/png", ".png"
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return data, width, height, "image/" + format, "." + format
	}
	return buf.Bytes(), width, height, "image/png", ".png"
}

// appendAttachmentAudit writes one JSON line to the per-digest audit log.
// Best effort: audit failures never fail the send.
func (p *ProjectArchive) appendAttachmentAudit(digest string, event map[string]any) {
	auditDir := filepath.Join(p.Dir, "attachments", "_audit")
	if err := os.MkdirAll(auditDir, 0o755); err != nil {
		return
	}
	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(auditDir, digest+".log"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(line, '\n'))
}

func dataURIMediaType(uri string) string {
	header, _, ok := strings.Cut(uri, ",")
	if !ok {
		return "image/png"
	}
	mt := strings.TrimPrefix(header, "data:")
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = mt[:i]
	}
	if mt == "" {
		return "image/png"
	}
	return mt
}
