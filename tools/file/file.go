// Package file implements the file tool: reads, writes, and inspects files
// inside the allowed directories. Credential-shaped names are refused, PDF
// reads are converted to plain text, and the send action returns a file
// descriptor for the surface to deliver.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	alter "github.com/nevindra/alter"
	"github.com/nevindra/alter/internal/pathguard"
)

const (
	maxListEntries = 500
	maxReadBytes   = 10 << 20
)

// Tool performs file operations under a path guard.
type Tool struct {
	paths *pathguard.Guard
}

// New creates the file tool over the given guard.
func New(paths *pathguard.Guard) *Tool {
	return &Tool{paths: paths}
}

func (t *Tool) Declaration() alter.ToolDeclaration {
	return alter.ToolDeclaration{
		Name:        "file",
		Description: "File operations in the workspace: read, write, append, list, delete, exists, stat, send. PDF files are read as extracted text. Paths are relative to the workspace.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"action":{"type":"string","enum":["read","write","append","list","delete","exists","stat","send"],"description":"Operation to perform"},
			"path":{"type":"string","description":"File or directory path"},
			"content":{"type":"string","description":"Content for write and append"}
		},"required":["action","path"]}`),
	}
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (alter.Result, error) {
	var params struct {
		Action  string `json:"action"`
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return alter.Fail("invalid args: " + err.Error()), nil
	}
	if params.Path == "" {
		return alter.Fail("path is required"), nil
	}

	resolved, err := t.paths.Resolve(params.Path)
	if err != nil {
		return alter.Fail(err.Error()), nil
	}
	if pathguard.IsSensitiveName(resolved) {
		return alter.Fail(fmt.Sprintf("path %s: access to credential files is not allowed", params.Path)), nil
	}
	if err := ctx.Err(); err != nil {
		return alter.Result{}, err
	}

	switch strings.ToLower(params.Action) {
	case "read":
		return t.read(resolved)
	case "write":
		return t.write(resolved, params.Content, false)
	case "append":
		return t.write(resolved, params.Content, true)
	case "list":
		return t.list(resolved)
	case "delete":
		return t.remove(resolved)
	case "exists":
		return t.exists(resolved)
	case "stat":
		return t.stat(resolved)
	case "send":
		return t.send(resolved)
	default:
		return alter.Fail("unknown action: " + params.Action), nil
	}
}

func (t *Tool) read(path string) (alter.Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return alter.Fail("read: " + err.Error()), nil
	}
	if info.IsDir() {
		return alter.Fail(fmt.Sprintf("read: %s is a directory, use list", path)), nil
	}
	if info.Size() > maxReadBytes {
		return alter.Fail(fmt.Sprintf("read: file is %d bytes, limit is %d", info.Size(), maxReadBytes)), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return alter.Fail("read: " + err.Error()), nil
	}

	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		text, err := extractPDFText(data)
		if err != nil {
			return alter.Fail("read pdf: " + err.Error()), nil
		}
		return alter.Ok(text), nil
	}
	return alter.Ok(string(data)), nil
}

func (t *Tool) write(path, content string, appendMode bool) (alter.Result, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return alter.Fail("write: " + err.Error()), nil
	}

	if appendMode {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return alter.Fail("append: " + err.Error()), nil
		}
		n, err := f.WriteString(content)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return alter.Fail("append: " + err.Error()), nil
		}
		return alter.Ok(fmt.Sprintf("appended %d bytes to %s", n, path)), nil
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return alter.Fail("write: " + err.Error()), nil
	}
	return alter.Ok(fmt.Sprintf("wrote %d bytes to %s", len(content), path)), nil
}

func (t *Tool) list(path string) (alter.Result, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return alter.Fail("list: " + err.Error()), nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	total := len(entries)
	if len(entries) > maxListEntries {
		entries = entries[:maxListEntries]
	}

	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
			continue
		}
		size := int64(0)
		if info, err := e.Info(); err == nil {
			size = info.Size()
		}
		fmt.Fprintf(&b, "%s (%d bytes)\n", e.Name(), size)
	}
	if total > maxListEntries {
		fmt.Fprintf(&b, "... and %d more entries\n", total-maxListEntries)
	}
	if b.Len() == 0 {
		return alter.Ok("(empty directory)"), nil
	}
	return alter.Ok(strings.TrimRight(b.String(), "\n")), nil
}

func (t *Tool) remove(path string) (alter.Result, error) {
	// os.Remove refuses non-empty directories, so a single delete can never
	// take out a tree.
	if err := os.Remove(path); err != nil {
		return alter.Fail("delete: " + err.Error()), nil
	}
	return alter.Ok("deleted " + path), nil
}

func (t *Tool) exists(path string) (alter.Result, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return alter.Ok("false"), nil
		}
		return alter.Fail("exists: " + err.Error()), nil
	}
	return alter.Ok("true"), nil
}

func (t *Tool) stat(path string) (alter.Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return alter.Fail("stat: " + err.Error()), nil
	}
	kind := "file"
	if info.IsDir() {
		kind = "directory"
	}
	return alter.Ok(fmt.Sprintf("%s: %s, %d bytes, mode %s, modified %s",
		path, kind, info.Size(), info.Mode(), info.ModTime().UTC().Format("2006-01-02 15:04:05"))), nil
}

// send verifies the file and returns it as a descriptor. Delivery is the
// surface's job; the tool only promises the path is real and readable.
func (t *Tool) send(path string) (alter.Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return alter.Fail("send: " + err.Error()), nil
	}
	if info.IsDir() {
		return alter.Fail(fmt.Sprintf("send: %s is a directory", path)), nil
	}

	res := alter.Ok(fmt.Sprintf("file %s (%d bytes) attached for delivery", path, info.Size()))
	res.Files = []alter.FileRef{{Path: path, MimeType: detectMime(path)}}
	return res, nil
}

// detectMime resolves a MIME type from the extension, sniffing the first
// bytes when the extension is unknown.
func detectMime(path string) string {
	if mt := mime.TypeByExtension(filepath.Ext(path)); mt != "" {
		if i := strings.IndexByte(mt, ';'); i >= 0 {
			mt = mt[:i]
		}
		return mt
	}
	f, err := os.Open(path)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()
	head := make([]byte, 512)
	n, _ := f.Read(head)
	return http.DetectContentType(head[:n])
}

// extractPDFText pulls plain text out of a PDF, page by page. Unreadable
// pages are skipped rather than failing the whole read.
func extractPDFText(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty pdf")
	}
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	if text.Len() == 0 {
		return "(pdf contains no extractable text)", nil
	}
	return text.String(), nil
}

var _ alter.Tool = (*Tool)(nil)
