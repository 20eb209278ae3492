package telegram

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	alter "github.com/nevindra/alter"
)

const (
	// defaultSession is the conversation session all Telegram turns share.
	defaultSession = "telegram"

	// editInterval paces progress edits on the placeholder message.
	editInterval = time.Second

	// typingInterval refreshes the typing indicator, which Telegram clears
	// after about five seconds.
	typingInterval = 5 * time.Second

	// maxPhotosPerRun caps outbound photos from one run's tool results.
	maxPhotosPerRun = 5

	// maxUploadBytes caps outbound document size.
	maxUploadBytes = 10 << 20

	// pollBackoff is the pause after a failed getUpdates call.
	pollBackoff = 3 * time.Second
)

// Frontend drives the agent from a Telegram chat: inbound messages become
// agent runs, a placeholder message tracks progress, and the final answer
// replaces it, with tool-produced images and files delivered alongside.
type Frontend struct {
	client    *Client
	agent     *alter.Agent
	store     alter.Store
	conscious *alter.Consciousness
	workspace string
	allowedID int64
	session   string
	logger    *slog.Logger
}

// Option configures a Frontend.
type Option func(*Frontend)

// AllowUser restricts the bot to one Telegram user id. Zero allows anyone.
func AllowUser(id int64) Option {
	return func(f *Frontend) { f.allowedID = id }
}

// WithConsciousness lets inbound messages interrupt the autonomous loop.
func WithConsciousness(c *alter.Consciousness) Option {
	return func(f *Frontend) { f.conscious = c }
}

// WithWorkspace enables inbound documents: they are saved under dir/inbox
// and the agent is told where. Without it documents are declined.
func WithWorkspace(dir string) Option {
	return func(f *Frontend) { f.workspace = dir }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Frontend) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithSession overrides the conversation session id.
func WithSession(id string) Option {
	return func(f *Frontend) {
		if id != "" {
			f.session = id
		}
	}
}

// New creates the Telegram frontend over an API client, agent, and store.
func New(client *Client, agent *alter.Agent, store alter.Store, opts ...Option) *Frontend {
	f := &Frontend{
		client:  client,
		agent:   agent,
		store:   store,
		session: defaultSession,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run long-polls for updates until ctx is cancelled. Messages are handled
// sequentially; Telegram chat is a one-user surface and runs share one
// conversation session.
func (f *Frontend) Run(ctx context.Context) error {
	var offset int64
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		updates, err := f.client.GetUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn("telegram poll failed", "error", err)
			select {
			case <-time.After(pollBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil {
				continue
			}
			f.handleMessage(ctx, u.Message)
		}
	}
}

func (f *Frontend) handleMessage(ctx context.Context, msg *Message) {
	if f.allowedID != 0 && (msg.From == nil || msg.From.ID != f.allowedID) {
		from := int64(0)
		if msg.From != nil {
			from = msg.From.ID
		}
		f.logger.Warn("telegram message from unauthorized user", "user_id", from)
		return
	}

	// A live user takes priority over background thinking.
	if f.conscious != nil {
		f.conscious.Interrupt()
	}

	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)

	if strings.HasPrefix(text, "/") {
		f.handleCommand(ctx, chatID, text)
		return
	}

	var images []alter.ImageData
	if len(msg.Photo) > 0 {
		img, err := f.downloadPhoto(ctx, msg.Photo)
		if err != nil {
			f.logger.Warn("photo download failed", "error", err)
			f.reply(ctx, chatID, "I couldn't download that photo.")
			return
		}
		images = append(images, img)
		if text == "" {
			text = strings.TrimSpace(msg.Caption)
		}
		if text == "" {
			text = "Here is an image."
		}
	}

	if msg.Document != nil {
		saved, err := f.saveDocument(ctx, msg.Document)
		if err != nil {
			f.logger.Warn("document intake failed", "error", err)
			f.reply(ctx, chatID, "I couldn't take that file: "+err.Error())
			return
		}
		note := fmt.Sprintf("The user sent a file; it is saved at %s.", saved)
		if caption := strings.TrimSpace(msg.Caption); caption != "" {
			text = caption + "\n\n" + note
		} else if text == "" {
			text = note
		} else {
			text = text + "\n\n" + note
		}
	}

	if text == "" {
		return
	}

	f.runAgent(ctx, chatID, text, images)
}

func (f *Frontend) handleCommand(ctx context.Context, chatID int64, text string) {
	cmd := text
	if i := strings.IndexAny(cmd, " @"); i > 0 {
		cmd = cmd[:i]
	}
	switch cmd {
	case "/start":
		f.reply(ctx, chatID, "Hi. Send me a message and I'll work on it. /new clears our conversation, /status shows how I'm doing.")
	case "/new":
		if err := f.store.ClearConversation(ctx, f.session); err != nil {
			f.reply(ctx, chatID, "Couldn't clear the conversation: "+err.Error())
			return
		}
		f.reply(ctx, chatID, "Conversation cleared.")
	case "/status":
		f.reply(ctx, chatID, f.statusText(ctx))
	default:
		f.reply(ctx, chatID, "Unknown command. Try /start, /new, or /status.")
	}
}

func (f *Frontend) statusText(ctx context.Context) string {
	var b strings.Builder
	if balance, err := f.store.SurvivalBalance(ctx); err == nil {
		fmt.Fprintf(&b, "survival balance: %.1f\n", balance)
	}
	if n, err := f.store.CountMemory(ctx); err == nil {
		fmt.Fprintf(&b, "memories: %d\n", n)
	}
	if n, err := f.store.CountKnowledge(ctx); err == nil {
		fmt.Fprintf(&b, "knowledge entries: %d\n", n)
	}
	if f.conscious != nil && f.conscious.Running() {
		b.WriteString("autonomous loop: running\n")
	}
	if b.Len() == 0 {
		return "status unavailable"
	}
	return strings.TrimRight(b.String(), "\n")
}

// runAgent executes one run and renders its event stream into the chat: a
// plain placeholder message gathers a tool trail while the run is live and
// the formatted answer replaces it at the end.
func (f *Frontend) runAgent(ctx context.Context, chatID int64, text string, images []alter.ImageData) {
	_ = f.client.SendTyping(ctx, chatID)

	placeholderID, err := f.client.SendPlain(ctx, chatID, "…")
	if err != nil {
		f.logger.Warn("placeholder send failed", "error", err)
	}

	opts := []alter.RunOption{alter.WithSession(f.session)}
	if len(images) > 0 {
		opts = append(opts, alter.WithImages(images...))
	}
	events := f.agent.RunStream(ctx, text, opts...)

	outcome := f.consumeRun(ctx, chatID, placeholderID, events)

	final := outcome.final
	if final == "" {
		final = "(no response)"
	}
	if placeholderID != 0 {
		f.finishPlaceholder(ctx, chatID, placeholderID, final)
	} else if _, err := f.client.SendMessage(ctx, chatID, final); err != nil {
		f.logger.Warn("final send failed", "error", err)
	}

	for i, img := range outcome.images {
		if i >= maxPhotosPerRun {
			break
		}
		data, err := base64.StdEncoding.DecodeString(img.Base64)
		if err != nil {
			f.logger.Warn("skipping undecodable image", "id", img.ID, "error", err)
			continue
		}
		if err := f.client.SendPhoto(ctx, chatID, data, ""); err != nil {
			f.logger.Warn("photo send failed", "error", err)
		}
	}

	for _, fr := range outcome.files {
		f.sendFile(ctx, chatID, fr)
	}
}

// runOutcome is what consumeRun distills from one event stream.
type runOutcome struct {
	final  string
	images []alter.ImageData
	files  []alter.FileRef
}

func (f *Frontend) consumeRun(ctx context.Context, chatID, placeholderID int64, events <-chan alter.Event) runOutcome {
	var out runOutcome
	var trail []string
	lastEdit := time.Now()
	lastTyping := time.Now()

	for ev := range events {
		switch ev.Type {
		case alter.EventToolCall:
			trail = append(trail, "• "+ev.Name)
		case alter.EventToolResult:
			if ev.Result != nil {
				if !ev.Result.Success && len(trail) > 0 {
					trail[len(trail)-1] += " (failed)"
				}
				out.images = append(out.images, ev.Result.Images...)
				out.files = append(out.files, ev.Result.Files...)
			}
		case alter.EventStuckWarning:
			trail = append(trail, "• course correction")
		case alter.EventDone:
			out.final = ev.Content
		case alter.EventError:
			out.final = "Something went wrong: " + ev.Content
		}

		if placeholderID != 0 && time.Since(lastEdit) >= editInterval && len(trail) > 0 {
			_ = f.client.Edit(ctx, chatID, placeholderID, "working…\n"+strings.Join(trail, "\n"))
			lastEdit = time.Now()
		}
		if time.Since(lastTyping) >= typingInterval {
			_ = f.client.SendTyping(ctx, chatID)
			lastTyping = time.Now()
		}
	}
	return out
}

// finishPlaceholder replaces the placeholder with the formatted answer.
// Text beyond the per-message limit goes out as follow-up messages, split
// at the last newline the way the limit allows.
func (f *Frontend) finishPlaceholder(ctx context.Context, chatID, messageID int64, text string) {
	if len(text) <= maxMessageLen {
		if err := f.client.EditFormatted(ctx, chatID, messageID, text); err != nil {
			f.logger.Warn("final edit failed", "error", err)
		}
		return
	}
	cut := maxMessageLen
	if i := strings.LastIndexByte(text[:maxMessageLen], '\n'); i > 0 {
		cut = i + 1
	}
	if err := f.client.EditFormatted(ctx, chatID, messageID, text[:cut]); err != nil {
		f.logger.Warn("final edit failed", "error", err)
	}
	if _, err := f.client.SendMessage(ctx, chatID, text[cut:]); err != nil {
		f.logger.Warn("overflow send failed", "error", err)
	}
}

func (f *Frontend) sendFile(ctx context.Context, chatID int64, fr alter.FileRef) {
	info, err := os.Stat(fr.Path)
	if err != nil {
		f.logger.Warn("file send skipped", "path", fr.Path, "error", err)
		return
	}
	if info.Size() > maxUploadBytes {
		f.reply(ctx, chatID, fmt.Sprintf("File %s is too large to send (%d bytes).", filepath.Base(fr.Path), info.Size()))
		return
	}
	data, err := os.ReadFile(fr.Path)
	if err != nil {
		f.logger.Warn("file send skipped", "path", fr.Path, "error", err)
		return
	}
	if err := f.client.SendDocument(ctx, chatID, filepath.Base(fr.Path), data); err != nil {
		f.logger.Warn("document send failed", "error", err)
	}
}

// downloadPhoto fetches the largest size of an inbound photo.
func (f *Frontend) downloadPhoto(ctx context.Context, sizes []PhotoSize) (alter.ImageData, error) {
	best := sizes[len(sizes)-1]
	data, _, err := f.client.DownloadFile(ctx, best.FileID)
	if err != nil {
		return alter.ImageData{}, err
	}
	return alter.ImageData{
		ID:       alter.NewID(),
		MimeType: "image/jpeg",
		Base64:   base64.StdEncoding.EncodeToString(data),
	}, nil
}

// saveDocument writes an inbound document under the workspace inbox and
// returns its path.
func (f *Frontend) saveDocument(ctx context.Context, doc *Document) (string, error) {
	if f.workspace == "" {
		return "", fmt.Errorf("no workspace configured for file intake")
	}
	data, name, err := f.client.DownloadFile(ctx, doc.FileID)
	if err != nil {
		return "", err
	}
	if doc.FileName != "" {
		name = doc.FileName
	}
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || name == "." || name == ".." {
		name = "upload.bin"
	}

	inbox := filepath.Join(f.workspace, "inbox")
	if err := os.MkdirAll(inbox, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(inbox, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// reply sends a short plain message, logging failures.
func (f *Frontend) reply(ctx context.Context, chatID int64, text string) {
	if _, err := f.client.SendPlain(ctx, chatID, text); err != nil {
		f.logger.Warn("reply failed", "error", err)
	}
}
