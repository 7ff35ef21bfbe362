// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/bureau-foundation/pqchat/admission"
	"github.com/bureau-foundation/pqchat/protocol"
	"github.com/bureau-foundation/pqchat/session"
)

// maxComposeLength bounds one outgoing message.
const maxComposeLength = 8000

// Session is the part of a session.Coordinator the UI drives.
type Session interface {
	Send(text string) (protocol.ChatMessage, error)
	Rekey() error
}

// Admitter resolves admission requests. *admission.Queue implements
// it.
type Admitter interface {
	Resolve(peerID string, decision admission.Decision) error
}

// NotificationMsg delivers a session notification to the model.
type NotificationMsg struct {
	Notification session.Notification
}

// AdmissionRequestMsg asks the local user to admit a peer.
type AdmissionRequestMsg struct {
	Request admission.Request
}

// AdmissionWithdrawnMsg removes a request that ended without a
// decision.
type AdmissionWithdrawnMsg struct {
	PeerID string
}

type sendResultMsg struct {
	message protocol.ChatMessage
	err     error
}

type rekeyResultMsg struct {
	err error
}

type admissionResultMsg struct {
	peerID string
	err    error
}

// Config configures a Model.
type Config struct {
	Session Session

	// Admitter resolves prompts. Nil when the host does not prompt.
	Admitter Admitter

	Role session.Role

	// ShareURL is shown to a host so it can hand out the link.
	ShareURL string

	// Now timestamps local notices. Nil selects time.Now.
	Now func() time.Time

	Theme Theme
	Keys  KeyMap
}

// notice is a session event shown inline in the transcript.
type notice struct {
	text  string
	at    time.Time
	level slog.Level
}

// Model is the bubbletea model of the chat client.
type Model struct {
	session  Session
	admitter Admitter
	role     session.Role
	shareURL string
	now      func() time.Time
	theme    Theme
	keys     KeyMap

	transcript *session.Transcript
	notices    []notice

	state       session.State
	connection  string
	peerName    string
	fingerprint string

	// requests are admission prompts in arrival order; the first is
	// shown.
	requests []admission.Request

	statusNotice   string
	statusLevel    slog.Level
	noticeSequence int

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model

	width  int
	height int
	ready  bool
}

// NewModel creates the chat model.
func NewModel(config Config) Model {
	input := textinput.New()
	input.Prompt = "› "
	input.CharLimit = maxComposeLength
	input.Placeholder = "Waiting for the secure channel..."
	input.Focus()

	indicator := spinner.New()
	indicator.Spinner = spinner.MiniDot

	now := config.Now
	if now == nil {
		now = time.Now
	}
	theme := config.Theme
	if theme == (Theme{}) {
		theme = DefaultTheme
	}
	keys := config.Keys
	if len(keys.Send.Keys()) == 0 {
		keys = DefaultKeyMap
	}
	indicator.Style = lipgloss.NewStyle().Foreground(theme.PendingForeground)

	return Model{
		session:    config.Session,
		admitter:   config.Admitter,
		role:       config.Role,
		shareURL:   config.ShareURL,
		now:        now,
		theme:      theme,
		keys:       keys,
		transcript: session.NewTranscript(),
		state:      session.StateIdle,
		input:      input,
		viewport:   viewport.New(0, 0),
		spinner:    indicator,
	}
}

// Init implements tea.Model.
func (model Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, model.spinner.Tick)
}

// Update implements tea.Model.
func (model Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.KeyMsg:
		return model.handleKey(message)

	case tea.WindowSizeMsg:
		model.width = message.Width
		model.height = message.Height
		model.ready = true
		model.layout()

	case NotificationMsg:
		model.handleNotification(message.Notification)

	case AdmissionRequestMsg:
		model.requests = append(model.requests, message.Request)
		model.layout()

	case AdmissionWithdrawnMsg:
		model.removeRequest(message.PeerID)
		model.layout()

	case sendResultMsg:
		if message.err != nil {
			model.addNotice(sendFailureText(message.err), slog.LevelWarn)
		} else {
			model.transcript.Add(message.message)
		}
		model.refresh()

	case rekeyResultMsg:
		if message.err != nil {
			model.addNotice("Cannot rekey: the channel is not open.", slog.LevelWarn)
			model.refresh()
		}

	case admissionResultMsg:
		if message.err != nil {
			model.addNotice("The join request from "+message.peerID+" is no longer pending.", slog.LevelWarn)
			model.refresh()
		}

	case logRecordMsg:
		model.noticeSequence++
		model.statusNotice = message.Summary
		model.statusLevel = message.Level
		sequence := model.noticeSequence
		return model, tea.Tick(logRecordFadeDelay, func(time.Time) tea.Msg {
			return logRecordFadeMsg{sequence: sequence}
		})

	case logRecordFadeMsg:
		if message.sequence == model.noticeSequence {
			model.statusNotice = ""
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		model.spinner, cmd = model.spinner.Update(message)
		return model, cmd

	default:
		var cmd tea.Cmd
		model.input, cmd = model.input.Update(message)
		return model, cmd
	}
	return model, nil
}

func (model Model) handleKey(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(message, model.keys.Quit) {
		return model, tea.Quit
	}

	if len(model.requests) > 0 && model.admitter != nil {
		switch {
		case key.Matches(message, model.keys.Accept):
			return model.resolveFirst(admission.Accept)
		case key.Matches(message, model.keys.Deny):
			return model.resolveFirst(admission.Deny)
		}
		return model, nil
	}

	switch {
	case key.Matches(message, model.keys.Send):
		text := strings.TrimSpace(model.input.Value())
		if text == "" {
			return model, nil
		}
		if model.state != session.StateReady {
			model.addNotice(sendFailureText(notReadyError(model.state)), slog.LevelWarn)
			model.refresh()
			return model, nil
		}
		model.input.SetValue("")
		return model, sendCmd(model.session, text)

	case key.Matches(message, model.keys.Rekey):
		return model, rekeyCmd(model.session)

	case key.Matches(message, model.keys.PageUp):
		model.viewport.LineUp(max(model.viewport.Height-1, 1))
		return model, nil

	case key.Matches(message, model.keys.PageDown):
		model.viewport.LineDown(max(model.viewport.Height-1, 1))
		return model, nil
	}

	var cmd tea.Cmd
	model.input, cmd = model.input.Update(message)
	return model, cmd
}

func sendCmd(chat Session, text string) tea.Cmd {
	return func() tea.Msg {
		message, err := chat.Send(text)
		return sendResultMsg{message: message, err: err}
	}
}

func rekeyCmd(chat Session) tea.Cmd {
	return func() tea.Msg {
		return rekeyResultMsg{err: chat.Rekey()}
	}
}

func (model Model) resolveFirst(decision admission.Decision) (tea.Model, tea.Cmd) {
	request := model.requests[0]
	model.requests = model.requests[1:]
	model.layout()

	verb := "Admitted"
	if decision != admission.Accept {
		verb = "Denied"
	}
	model.addNotice(fmt.Sprintf("%s %s.", verb, request.Claims.DisplayName()), slog.LevelInfo)
	model.refresh()

	admitter := model.admitter
	return model, func() tea.Msg {
		return admissionResultMsg{peerID: request.PeerID, err: admitter.Resolve(request.PeerID, decision)}
	}
}

func (model *Model) removeRequest(peerID string) {
	model.requests = slices.DeleteFunc(model.requests, func(request admission.Request) bool {
		return request.PeerID == peerID
	})
}

// handleNotification updates the status and transcript for one
// session notification.
func (model *Model) handleNotification(notification session.Notification) {
	switch notification.Kind {
	case session.NotifyState:
		model.state = notification.State
		if notification.State == session.StateClosed {
			model.input.Placeholder = "Session closed. Press C-c to quit."
		}

	case session.NotifyConnection:
		model.connection = notification.Connection.String()

	case session.NotifyReady:
		model.state = session.StateReady
		model.fingerprint = notification.Fingerprint
		model.peerName = notification.Peer.DisplayName()
		model.input.Placeholder = "Type a message"
		model.addNotice(fmt.Sprintf("Secure channel with %s established. Safety code: %s",
			model.peerLabel(), notification.Fingerprint), slog.LevelInfo)

	case session.NotifyRekeying:
		model.fingerprint = ""
		text := "Renegotiating the session key..."
		if notification.Reason != "" {
			text = fmt.Sprintf("Renegotiating the session key (%s)...", notification.Reason)
		}
		model.addNotice(text, slog.LevelInfo)

	case session.NotifyMessage:
		model.transcript.Add(notification.Message)

	case session.NotifyDenied:
		model.addNotice("The host declined the join request.", slog.LevelWarn)

	case session.NotifyPeerLeft:
		name := notification.Peer.DisplayName()
		if name == "" {
			name = model.peerLabel()
		}
		model.addNotice(name+" left the chat.", slog.LevelInfo)

	case session.NotifyTimeout:
		model.addNotice("Connection timed out: "+notification.Reason+".", slog.LevelWarn)
	}
	model.refresh()
}

func (model *Model) addNotice(text string, level slog.Level) {
	model.notices = append(model.notices, notice{text: text, at: model.now(), level: level})
}

func (model Model) peerLabel() string {
	if model.peerName != "" {
		return model.peerName
	}
	return "peer"
}

func notReadyError(state session.State) error {
	if state == session.StateClosed {
		return session.ErrClosed
	}
	return session.ErrNotReady
}

func sendFailureText(err error) string {
	switch {
	case errors.Is(err, session.ErrNotReady):
		return "Not connected yet; the message was not sent."
	case errors.Is(err, session.ErrClosed):
		return "The session is closed; the message was not sent."
	default:
		return "The message could not be sent."
	}
}

// layout sizes the viewport and input for the window and prompt.
func (model *Model) layout() {
	if !model.ready {
		return
	}
	chrome := 3 // header, status bar, input
	if prompt := model.promptView(); prompt != "" {
		chrome += lipgloss.Height(prompt)
	}
	model.viewport.Width = max(model.width, 20)
	model.viewport.Height = max(model.height-chrome, 3)
	model.input.Width = max(model.width-4, 10)
	model.refresh()
}

// refresh re-renders the transcript and keeps the view pinned to the
// newest entry when it was already at the bottom.
func (model *Model) refresh() {
	if !model.ready {
		return
	}
	atBottom := model.viewport.AtBottom()
	model.viewport.SetContent(model.renderTranscript(model.viewport.Width))
	if atBottom {
		model.viewport.GotoBottom()
	}
}

// renderTranscript merges chat messages and notices by time.
func (model Model) renderTranscript(width int) string {
	messages := model.transcript.Messages()
	var blocks []string
	noticeIndex := 0
	for _, message := range messages {
		for noticeIndex < len(model.notices) && model.notices[noticeIndex].at.Before(message.Timestamp) {
			blocks = append(blocks, model.renderNotice(model.notices[noticeIndex]))
			noticeIndex++
		}
		blocks = append(blocks, model.renderMessage(message, width))
	}
	for ; noticeIndex < len(model.notices); noticeIndex++ {
		blocks = append(blocks, model.renderNotice(model.notices[noticeIndex]))
	}
	return strings.Join(blocks, "\n\n")
}

func (model Model) renderMessage(message protocol.ChatMessage, width int) string {
	name, color := model.peerLabel(), model.theme.PeerForeground
	if message.IsUser {
		name, color = "you", model.theme.LocalForeground
	}
	label := lipgloss.NewStyle().Bold(true).Foreground(color).Render(name)
	stamp := lipgloss.NewStyle().Foreground(model.theme.FaintText).
		Render(message.Timestamp.Local().Format("15:04"))

	body := renderMarkdown(message.Text, model.theme, width-2)
	body = lipgloss.NewStyle().PaddingLeft(2).Render(body)
	return label + " " + stamp + "\n" + body
}

func (model Model) renderNotice(entry notice) string {
	color := model.theme.NoticeForeground
	if entry.level >= slog.LevelWarn {
		color = model.theme.ErrorForeground
	}
	return lipgloss.NewStyle().Italic(true).Foreground(color).Render("• " + entry.text)
}

func (model Model) promptView() string {
	if len(model.requests) == 0 || model.admitter == nil {
		return ""
	}
	request := model.requests[0]
	text := fmt.Sprintf("%s wants to join.  y: admit  n: deny", request.Claims.DisplayName())
	if waiting := len(model.requests) - 1; waiting > 0 {
		text += fmt.Sprintf("  (%d more waiting)", waiting)
	}
	return lipgloss.NewStyle().
		Foreground(model.theme.PromptForeground).
		Background(model.theme.PromptBackground).
		Bold(true).
		Width(max(model.width, 20)).
		Render(text)
}

func (model Model) headerView() string {
	style := lipgloss.NewStyle().Bold(true).Foreground(model.theme.HeaderForeground)
	header := "pqchat"
	switch {
	case model.state == session.StateReady || model.state == session.StateAwaitingKeyExchange:
		header += " · " + model.peerLabel()
	case model.role == session.Host && model.shareURL != "":
		header += " · share " + model.shareURL
	case model.role == session.Joiner:
		header += " · joining"
	}
	return style.Render(header)
}

func (model Model) statusView() string {
	if model.statusNotice != "" {
		color := model.theme.PendingForeground
		if model.statusLevel >= slog.LevelError {
			color = model.theme.ErrorForeground
		}
		return lipgloss.NewStyle().Foreground(color).Render(model.statusNotice)
	}

	var parts []string
	switch model.state {
	case session.StateReady:
		parts = append(parts, lipgloss.NewStyle().Foreground(model.theme.ReadyForeground).Render("● encrypted"))
		if model.fingerprint != "" {
			parts = append(parts, "safety code "+model.fingerprint)
		}
	case session.StateClosed:
		parts = append(parts, lipgloss.NewStyle().Foreground(model.theme.ErrorForeground).Render("● closed"))
	default:
		parts = append(parts, model.spinner.View()+" "+model.state.String())
	}
	if model.connection != "" && model.state != session.StateClosed {
		parts = append(parts, "link "+model.connection)
	}
	help := lipgloss.NewStyle().Foreground(model.theme.HelpText)
	parts = append(parts, help.Render(model.keys.Rekey.Help().Key+" rekey · "+model.keys.Quit.Help().Key+" quit"))
	return strings.Join(parts, "  ")
}

// View implements tea.Model.
func (model Model) View() string {
	if !model.ready {
		return "Starting..."
	}
	sections := []string{model.headerView(), model.viewport.View()}
	if prompt := model.promptView(); prompt != "" {
		sections = append(sections, prompt)
	}
	sections = append(sections, model.statusView(), model.input.View())
	return strings.Join(sections, "\n")
}
