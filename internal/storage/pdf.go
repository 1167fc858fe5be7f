package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf/v2"
	"go.uber.org/zap"

	"github.com/SableAI/sable-call-service/pkg/logger"
)

// findNotoFont returns the path to the bundled Noto Sans SC font, empty when
// the static dir is not shipped. Transcripts can contain CJK names; the core
// fonts cannot render them.
func findNotoFont() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	fontPath := filepath.Join(cwd, "static", "fonts", "NotoSansSC-Regular.ttf")
	if _, err := os.Stat(fontPath); err != nil {
		return ""
	}
	absPath, err := filepath.Abs(fontPath)
	if err != nil {
		return ""
	}
	return absPath
}

// TranscriptDocument is everything that goes into the call's PDF artifact.
type TranscriptDocument struct {
	Title              string
	OrgID              string
	Direction          string
	From               string
	To                 string
	AgentName          string
	StartedAt          *time.Time
	Duration           time.Duration
	Sentiment          string
	Summary            string
	Insights           []string
	CompetitorMentions []string
	Transcript         string
}

// BuildTranscriptPDF renders the document and writes it to w. Uploading is
// the caller's concern.
func BuildTranscriptPDF(doc TranscriptDocument, w io.Writer) error {
	if doc.Transcript == "" {
		return fmt.Errorf("transcript cannot be empty")
	}

	pdf := gofpdf.New("P", "mm", "A4", "")

	fontFamily := "Times"
	if fontPath := findNotoFont(); fontPath != "" {
		fontDir := filepath.Dir(fontPath)
		pdf = gofpdf.NewCustom(&gofpdf.InitType{
			OrientationStr: "P",
			UnitStr:        "mm",
			SizeStr:        "A4",
			FontDirStr:     filepath.ToSlash(fontDir),
		})
		pdf.AddUTF8Font("NotoSansSC", "", filepath.Base(fontPath))
		fontFamily = "NotoSansSC"
		logger.Base().Debug("Using Noto Sans SC font for transcript PDF", zap.String("fontdir", fontDir))
	}

	pdf.AliasNbPages("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Arial", "I", 8)
		pdf.CellFormat(0, 10,
			fmt.Sprintf("Generated %s - page %d of {nb}", time.Now().UTC().Format("2006-01-02 15:04"), pdf.PageNo()),
			"", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont(fontFamily, "", 16)
	pdf.CellFormat(0, 10, doc.Title, "", 1, "", false, 0, "")
	pdf.Ln(2)

	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(90, 90, 90)
	for _, line := range metaLines(doc) {
		pdf.CellFormat(0, 6, line, "", 1, "", false, 0, "")
	}
	pdf.SetTextColor(0, 0, 0)
	pdf.Ln(4)

	if doc.Summary != "" {
		writeSection(pdf, fontFamily, "Summary", doc.Summary)
	}
	if len(doc.Insights) > 0 {
		pdf.SetFont(fontFamily, "", 13)
		pdf.CellFormat(0, 8, "Insights", "", 1, "", false, 0, "")
		pdf.SetFont(fontFamily, "", 11)
		for _, insight := range doc.Insights {
			pdf.MultiCell(0, 6, "- "+insight, "", "", false)
		}
		pdf.Ln(4)
	}
	if len(doc.CompetitorMentions) > 0 {
		writeSection(pdf, fontFamily, "Competitors mentioned", strings.Join(doc.CompetitorMentions, ", "))
	}
	writeSection(pdf, fontFamily, "Transcript", doc.Transcript)

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("failed to write PDF: %w", err)
	}
	return nil
}

func writeSection(pdf *gofpdf.Fpdf, fontFamily, heading, body string) {
	pdf.SetFont(fontFamily, "", 13)
	pdf.CellFormat(0, 8, heading, "", 1, "", false, 0, "")
	pdf.SetFont(fontFamily, "", 11)
	pdf.MultiCell(0, 6, body, "", "", false)
	pdf.Ln(4)
}

func metaLines(doc TranscriptDocument) []string {
	lines := []string{
		fmt.Sprintf("Direction: %s    From: %s    To: %s", doc.Direction, doc.From, doc.To),
	}
	if doc.AgentName != "" {
		lines = append(lines, fmt.Sprintf("Agent: %s", doc.AgentName))
	}
	detail := ""
	if doc.StartedAt != nil {
		detail = "Started: " + doc.StartedAt.UTC().Format("2006-01-02 15:04:05 MST")
	}
	if doc.Duration > 0 {
		if detail != "" {
			detail += "    "
		}
		detail += "Duration: " + doc.Duration.Round(time.Second).String()
	}
	if detail != "" {
		lines = append(lines, detail)
	}
	if doc.Sentiment != "" {
		lines = append(lines, fmt.Sprintf("Sentiment: %s", doc.Sentiment))
	}
	return lines
}
