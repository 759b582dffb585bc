package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harborline/mailroom/internal/types"
)

// Bundle describes one message delivery to archive: the message, its
// rendered body, and the mailboxes to mirror it into.
type Bundle struct {
	Message    *types.Message
	Sender     string
	Recipients []string
	// ExtraPaths are additional repo-relative paths (attachments,
	// reservation records) committed together with the bundle.
	ExtraPaths []string
}

// WriteMessageBundle writes the canonical message file, the sender's
// outbox copy, and each recipient's inbox copy, updating the thread
// digest when the message is threaded. It returns the repo-relative paths
// written, canonical first. Callers hold the project lock.
func (p *ProjectArchive) WriteMessageBundle(b *Bundle) ([]string, error) {
	msg := b.Message
	content, err := renderMessageFile(msg)
	if err != nil {
		return nil, err
	}
	filename := MessageFileName(msg.CreatedTS, msg.Subject, msg.ID)

	canonicalDir := monthDir(filepath.Join(p.Dir, "messages"), msg.CreatedTS)
	senderDir, err := p.AgentDir(b.Sender)
	if err != nil {
		return nil, err
	}
	dirs := []string{canonicalDir, monthDir(filepath.Join(senderDir, "outbox"), msg.CreatedTS)}
	for _, r := range b.Recipients {
		rDir, err := p.AgentDir(r)
		if err != nil {
			return nil, err
		}
		dirs = append(dirs, monthDir(filepath.Join(rDir, "inbox"), msg.CreatedTS))
	}

	var relPaths []string
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating mailbox dir: %w", err)
		}
		path := filepath.Join(dir, filename)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("writing message file: %w", err)
		}
		relPaths = append(relPaths, p.m.RelPath(path))
	}

	if msg.ThreadID != "" {
		digestRel, err := p.appendThreadDigest(msg, b.Sender, b.Recipients, relPaths[0])
		if err != nil {
			return nil, err
		}
		relPaths = append(relPaths, digestRel)
	}
	relPaths = append(relPaths, b.ExtraPaths...)
	return relPaths, nil
}

// renderMessageFile produces the archived form: a ---json front-matter
// block with the message metadata followed by the markdown body.
func renderMessageFile(msg *types.Message) (string, error) {
	meta, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding message front matter: %w", err)
	}
	return fmt.Sprintf("---json\n%s\n---\n\n%s\n", meta, strings.TrimSpace(msg.BodyMD)), nil
}

// ParseMessageFile splits an archived message file back into metadata and
// body. The inverse of renderMessageFile, used by resource reads.
func ParseMessageFile(content string) (map[string]any, string, error) {
	const open = "---json\n"
	if !strings.HasPrefix(content, open) {
		return nil, content, nil
	}
	rest := content[len(open):]
	idx := strings.Index(rest, "\n---\n")
	if idx < 0 {
		return nil, content, fmt.Errorf("unterminated front matter")
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(rest[:idx]), &meta); err != nil {
		return nil, content, fmt.Errorf("decoding front matter: %w", err)
	}
	body := strings.TrimPrefix(rest[idx+len("\n---\n"):], "\n")
	return meta, body, nil
}

const digestPreviewLimit = 1200

// appendThreadDigest appends a compact entry to the append-only digest at
// messages/threads/<thread_id>.md and returns its repo-relative path.
func (p *ProjectArchive) appendThreadDigest(msg *types.Message, sender string, recipients []string, canonicalRel string) (string, error) {
	digestPath := filepath.Join(p.Dir, "messages", "threads", msg.ThreadID+".md")
	if err := os.MkdirAll(filepath.Dir(digestPath), 0o755); err != nil {
		return "", fmt.Errorf("creating thread digest dir: %w", err)
	}

	preview := strings.TrimSpace(msg.BodyMD)
	if len(preview) > digestPreviewLimit {
		preview = strings.TrimRight(preview[:digestPreviewLimit], " \t\n") + "\n..."
	}
	var entry strings.Builder
	if subject := strings.TrimSpace(msg.Subject); subject != "" {
		fmt.Fprintf(&entry, "### %s\n\n", subject)
	}
	fmt.Fprintf(&entry, "## %s - %s -> %s\n\n",
		msg.CreatedTS.UTC().Format("2006-01-02T15:04:05Z07:00"), sender, strings.Join(recipients, ", "))
	fmt.Fprintf(&entry, "[View canonical](%s)\n\n%s\n\n---\n\n", canonicalRel, preview)

	f, err := os.OpenFile(digestPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("opening thread digest: %w", err)
	}
	defer f.Close()
	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		if _, err := fmt.Fprintf(f, "# Thread %s\n\n", msg.ThreadID); err != nil {
			return "", fmt.Errorf("writing digest header: %w", err)
		}
	}
	if _, err := f.WriteString(entry.String()); err != nil {
		return "", fmt.Errorf("appending digest entry: %w", err)
	}
	return p.m.RelPath(digestPath), nil
}

// CommitMessage renders the commit panel used for one delivery.
func CommitMessage(tool, sender, project string, msg *types.Message, recipients []string) string {
	subject := fmt.Sprintf("mail: %s -> %s | %s", sender, strings.Join(recipients, ", "), msg.Subject)
	body := []string{
		"TOOL: " + tool,
		"Agent: " + sender,
		"Project: " + project,
		"Started: " + msg.CreatedTS.UTC().Format("2006-01-02T15:04:05Z07:00"),
		"Status: SUCCESS",
		"Thread: " + msg.ThreadKey(),
	}
	return subject + "\n\n" + strings.Join(body, "\n") + "\n"
}
