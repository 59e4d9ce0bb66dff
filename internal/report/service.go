package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/signintech/gopdf"

	"symptom-triage/internal/consultation"
)

type TelegramClient interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendDocument(ctx context.Context, chatID int64, fileData []byte, fileName string) error
}

// FontPaths are tried in order. DejaVuSans covers the non-Latin names patients
// type.
var FontPaths = []string{
	"/usr/share/fonts/ttf-dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
}

var errNoFont = errors.New("no usable font for PDF")

// Service sends finished assessments and emergency alerts to the clinician
// chat.
type Service struct {
	tgClient     TelegramClient
	doctorChatID int64
	logger       *slog.Logger
}

func NewService(tg TelegramClient, doctorChatID int64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tgClient:     tg,
		doctorChatID: doctorChatID,
		logger:       logger,
	}
}

// Deliver sends the handoff as a PDF. When no font is available the summary
// goes out as a plain message instead.
func (s *Service) Deliver(ctx context.Context, h consultation.Handoff) error {
	pdf, err := RenderPDF(h)
	if err != nil {
		s.logger.Warn("PDF rendering failed, sending text summary", "session_id", h.SessionID, "error", err)
		return s.tgClient.SendMessage(ctx, s.doctorChatID, Summary(h))
	}

	fileName := fmt.Sprintf("triage_%s.pdf", h.SessionID.String())
	if err := s.tgClient.SendDocument(ctx, s.doctorChatID, pdf, fileName); err != nil {
		return fmt.Errorf("failed to send handoff document: %w", err)
	}
	s.logger.Info("handoff report sent", "session_id", h.SessionID, "chat_id", s.doctorChatID)
	return nil
}

// HighRisk posts an immediate alert for an escalated session.
func (s *Service) HighRisk(ctx context.Context, a consultation.Alert) error {
	kind := "EMERGENCY"
	if a.Escalation.Crisis {
		kind = "CRISIS"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s escalation\n", kind)
	fmt.Fprintf(&b, "Session: %s\n", a.SessionID)
	if a.PatientName != "" {
		fmt.Fprintf(&b, "Patient: %s\n", a.PatientName)
	}
	fmt.Fprintf(&b, "Signals: %s (score %d)\n", strings.Join(a.Escalation.Keywords, ", "), a.Escalation.Score)
	if len(a.Escalation.Systems) > 0 {
		fmt.Fprintf(&b, "Systems: %s\n", strings.Join(a.Escalation.Systems, ", "))
	}
	fmt.Fprintf(&b, "Said: %q\n", a.Escalation.Answer)
	fmt.Fprintf(&b, "At: %s", a.At.Format("02.01.2006 15:04:05"))
	return s.tgClient.SendMessage(ctx, s.doctorChatID, b.String())
}

// Summary is the plain-text rendering of a handoff.
func Summary(h consultation.Handoff) string {
	var b strings.Builder
	for _, line := range lines(h) {
		b.WriteString(line.text)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

type line struct {
	text string
	size float64
}

const (
	titleSize   = 20
	headingSize = 14
	bodySize    = 11
)

func lines(h consultation.Handoff) []line {
	out := []line{
		{"Symptom triage handoff", titleSize},
		{fmt.Sprintf("Date: %s", h.CreatedAt.Format("02.01.2006 15:04")), bodySize},
		{fmt.Sprintf("Session: %s", h.SessionID), bodySize},
		{fmt.Sprintf("Presenting symptom: %s", h.Symptoms), bodySize},
	}
	if h.GuestMode {
		out = append(out, line{"Guest session", bodySize})
	}

	if e := h.Escalation; e != nil {
		kind := "Emergency"
		if e.Crisis {
			kind = "Crisis"
		}
		out = append(out,
			line{kind + " escalation", headingSize},
			line{fmt.Sprintf("Signals: %s (score %d)", strings.Join(e.Keywords, ", "), e.Score), bodySize},
			line{fmt.Sprintf("Patient said: %q", e.Answer), bodySize},
		)
	}

	if p := h.ExtractedProfile; p != nil {
		out = append(out,
			line{"Assessment", headingSize},
			line{fmt.Sprintf("Category: %s", p.Category), bodySize},
			line{fmt.Sprintf("Readiness score: %.2f", p.TriageReadinessScore), bodySize},
		)
		if p.Age != nil {
			out = append(out, line{fmt.Sprintf("Age: %d", *p.Age), bodySize})
		}
		for _, f := range []struct{ label, value string }{
			{"Severity", p.Severity},
			{"Duration", p.Duration},
			{"Progression", p.Progression},
			{"Summary", p.Summary},
		} {
			if f.value != "" {
				out = append(out, line{f.label + ": " + f.value, bodySize})
			}
		}
		if !p.RedFlagsResolved {
			out = append(out, line{"Red flags NOT resolved", bodySize})
		}
		if p.DenialConfidence != "" {
			out = append(out, line{fmt.Sprintf("Red flag denial confidence: %s", p.DenialConfidence), bodySize})
		}
		if len(p.LockedSystems) > 0 {
			out = append(out, line{"Locked systems: " + strings.Join(p.LockedSystems, ", "), bodySize})
		}
	}

	if h.IsRecentResolved {
		out = append(out, line{fmt.Sprintf("Recently resolved: %s", h.ResolvedKeyword), bodySize})
	}
	if r := h.OfflineRecommendation; r != nil {
		out = append(out,
			line{"Offline recommendation", headingSize},
			line{fmt.Sprintf("%s (%s)", r.Title, r.Level), bodySize},
			line{r.Advice, bodySize},
		)
	}

	out = append(out, line{"Answers", headingSize})
	if len(h.Answers) == 0 {
		out = append(out, line{"- No answers recorded.", bodySize})
	}
	for _, a := range h.Answers {
		out = append(out, line{fmt.Sprintf("- %s %s", a.Question, a.Answer), bodySize})
	}
	return out
}

// RenderPDF lays the handoff out on A4 pages.
func RenderPDF(h consultation.Handoff) ([]byte, error) {
	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.AddPage()

	if err := loadFont(&pdf); err != nil {
		return nil, err
	}

	const (
		width      = 500
		pageBottom = 800
	)
	pdf.SetMargins(40, 40, 40, 40)
	pdf.SetY(40)
	for _, l := range lines(h) {
		if err := pdf.SetFont("DejaVu", "", l.size); err != nil {
			return nil, err
		}
		if l.size == headingSize {
			pdf.Br(10)
		}
		wrapped, err := pdf.SplitText(l.text, width)
		if err != nil {
			wrapped = []string{l.text}
		}
		for _, w := range wrapped {
			if pdf.GetY() > pageBottom {
				pdf.AddPage()
				pdf.SetY(40)
			}
			pdf.SetX(40)
			if err := pdf.Cell(nil, w); err != nil {
				return nil, err
			}
			pdf.Br(l.size + 4)
		}
	}

	var buf bytes.Buffer
	if _, err := pdf.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write PDF: %w", err)
	}
	return buf.Bytes(), nil
}

func loadFont(pdf *gopdf.GoPdf) error {
	var lastErr error
	for _, path := range FontPaths {
		if err := pdf.AddTTFFont("DejaVu", path); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		return errNoFont
	}
	return fmt.Errorf("%w: %v", errNoFont, lastErr)
}

// LogAlerter records alerts when no clinician chat is configured.
type LogAlerter struct {
	Logger *slog.Logger
}

func (l LogAlerter) HighRisk(ctx context.Context, a consultation.Alert) error {
	l.Logger.WarnContext(ctx, "high-risk alert (no clinician chat configured)",
		"session_id", a.SessionID,
		"crisis", a.Escalation.Crisis,
		"keywords", a.Escalation.Keywords,
		"at", a.At.Format(time.RFC3339),
	)
	return nil
}
