// Package report 生成巡检运行的 PDF 报告。
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	sqliteadapter "kube-inspector/internal/adapters/store/sqlite"
	"kube-inspector/internal/domain/model"

	"github.com/phpdave11/gofpdf"
)

type Options struct {
	RunID     int64
	ReportDir string
}

// Generate 为一次已结束的运行生成 PDF 并把路径登记回运行记录。
// 报告是旁路产物：生成失败不影响运行终态，调用方按需记日志即可。
func Generate(ctx context.Context, store *sqliteadapter.Store, opts Options) (string, error) {
	run, err := store.GetRun(ctx, opts.RunID)
	if err != nil {
		return "", fmt.Errorf("load run: %w", err)
	}
	if run == nil {
		return "", fmt.Errorf("run not found: %d", opts.RunID)
	}
	if !run.Status.Terminal() {
		return "", fmt.Errorf("run %d has not finished (status=%s)", run.ID, run.Status)
	}

	clusterName := fmt.Sprintf("cluster-%d", run.ClusterID)
	if cluster, err := store.GetCluster(ctx, run.ClusterID); err == nil && cluster != nil {
		clusterName = cluster.Name
	}
	results, err := store.ListResults(ctx, run.ID)
	if err != nil {
		return "", fmt.Errorf("list results: %w", err)
	}

	if err := os.MkdirAll(opts.ReportDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir report dir: %w", err)
	}
	pdfPath := filepath.Join(opts.ReportDir, fmt.Sprintf("inspection-run-%d.pdf", run.ID))

	pdf := buildPDF(run, clusterName, results)
	if err := pdf.OutputFileAndClose(pdfPath); err != nil {
		return "", fmt.Errorf("write pdf: %w", err)
	}

	if err := store.SetRunReport(ctx, run.ID, pdfPath); err != nil {
		return "", fmt.Errorf("register report path: %w", err)
	}
	return pdfPath, nil
}

func buildPDF(run *model.InspectionRun, clusterName string, results []model.InspectionResult) *gofpdf.Fpdf {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(14, 14, 14)
	pdf.SetAutoPageBreak(true, 14)
	pdf.SetTitle("Kube Inspector - Inspection Report", false)

	fontFamily, utf8OK := initPDFUnicodeFont(pdf)

	pdf.AddPage()

	pdf.SetFont(fontFamily, "B", 16)
	pdf.CellFormat(0, 9, "Kubernetes Cluster Inspection Report", "", 1, "L", false, 0, "")

	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(60, 60, 60)
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated at: %s", fmtTime(time.Now().Unix())), "", 1, "L", false, 0, "")
	pdf.Ln(2)

	sectionTitle(pdf, fontFamily, "1. Run Overview")
	kv(pdf, fontFamily, utf8OK, "Run ID", fmt.Sprintf("%d", run.ID))
	kv(pdf, fontFamily, utf8OK, "Cluster", clusterName)
	kv(pdf, fontFamily, utf8OK, "Operator", run.Operator)
	kv(pdf, fontFamily, utf8OK, "Executor", string(run.Executor))
	kv(pdf, fontFamily, utf8OK, "Status", string(run.Status))
	kv(pdf, fontFamily, utf8OK, "Progress", fmt.Sprintf("%d/%d", run.ProcessedItems, run.TotalItems))
	kv(pdf, fontFamily, utf8OK, "Created At", fmtTime(run.CreatedAt))
	kv(pdf, fontFamily, utf8OK, "Completed At", fmtTime(run.CompletedAt))
	kv(pdf, fontFamily, utf8OK, "Summary", run.Summary)
	pdf.Ln(2)

	sectionTitle(pdf, fontFamily, "2. Check Results")
	if len(results) == 0 {
		pdf.SetFont(fontFamily, "", 10)
		pdf.SetTextColor(90, 90, 90)
		pdf.MultiCell(0, 5, "(empty)", "", "L", false)
	} else {
		for i, r := range results {
			pdf.SetFont(fontFamily, "B", 10)
			switch r.Status {
			case model.CheckFailed:
				pdf.SetTextColor(170, 30, 30)
			case model.CheckWarning:
				pdf.SetTextColor(170, 110, 0)
			default:
				pdf.SetTextColor(20, 110, 40)
			}
			pdf.MultiCell(0, 5, fmt.Sprintf("%d. [%s] %s",
				i+1, strings.ToUpper(string(r.Status)), safeText(r.ItemName, utf8OK)), "", "L", false)

			pdf.SetFont(fontFamily, "", 9)
			pdf.SetTextColor(40, 40, 40)
			if strings.TrimSpace(r.Detail) != "" {
				pdf.MultiCell(0, 4.5, safeText(r.Detail, utf8OK), "", "L", false)
			}
			if strings.TrimSpace(r.Suggestion) != "" {
				pdf.MultiCell(0, 4.5, "Suggestion: "+safeText(r.Suggestion, utf8OK), "", "L", false)
			}
			pdf.Ln(1)
		}
	}

	pdf.Ln(2)
	pdf.SetFont(fontFamily, "", 9)
	pdf.SetTextColor(90, 90, 90)
	pdf.MultiCell(0, 4.5, "Note: Builtin checks use fixed thresholds. See the run detail API for the full plan snapshot.", "", "L", false)

	return pdf
}

func sectionTitle(pdf *gofpdf.Fpdf, fontFamily string, title string) {
	pdf.SetFont(fontFamily, "B", 12)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
	pdf.SetDrawColor(200, 200, 200)
	pdf.Line(pdf.GetX(), pdf.GetY(), 200, pdf.GetY())
	pdf.Ln(2)
}

func kv(pdf *gofpdf.Fpdf, fontFamily string, utf8OK bool, key string, value string) {
	if strings.TrimSpace(value) == "" {
		value = "-"
	}
	pdf.SetFont(fontFamily, "B", 10)
	pdf.SetTextColor(30, 30, 30)
	pdf.CellFormat(36, 5.2, key+":", "", 0, "L", false, 0, "")
	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(20, 20, 20)
	pdf.MultiCell(0, 5.2, safeText(value, utf8OK), "", "L", false)
}

func fmtTime(ts int64) string {
	if ts <= 0 {
		return "-"
	}
	return time.Unix(ts, 0).Format("2006-01-02 15:04:05")
}

func safeText(s string, utf8OK bool) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.TrimSpace(s)
	if utf8OK {
		return s
	}
	// 未加载 UTF-8 字体时替换非 ASCII 字符，保证报告一定能生成
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r <= 126 {
			b.WriteRune(r)
		} else {
			b.WriteRune('?')
		}
	}
	return b.String()
}

// initPDFUnicodeFont 尝试加载 TrueType 字体以支持中文巡检结果。
// 优先读 KUBE_INSPECTOR_PDF_FONT 指定的文件，其次按常见系统路径探测，
// 都失败则回退 Helvetica 并由 safeText 兜底。
func initPDFUnicodeFont(pdf *gofpdf.Fpdf) (family string, utf8OK bool) {
	const familyName = "unicode"
	candidates := []string{}

	if v := strings.TrimSpace(os.Getenv("KUBE_INSPECTOR_PDF_FONT")); v != "" {
		candidates = append(candidates, v)
	}

	switch runtime.GOOS {
	case "darwin":
		candidates = append(candidates,
			"/System/Library/Fonts/Supplemental/Arial Unicode.ttf",
			"/System/Library/Fonts/Hiragino Sans GB.ttc",
			"/System/Library/Fonts/PingFang.ttc",
		)
	case "windows":
		candidates = append(candidates,
			`C:\Windows\Fonts\arialuni.ttf`,
			`C:\Windows\Fonts\simhei.ttf`,
			`C:\Windows\Fonts\msyh.ttc`,
		)
	default:
		candidates = append(candidates,
			"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
			"/usr/share/fonts/truetype/noto/NotoSansCJK-Regular.ttc",
			"/usr/share/fonts/opentype/noto/NotoSansCJK-Regular.ttc",
		)
	}

	for _, p := range candidates {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		pdf.AddUTF8Font(familyName, "", p)
		if pdf.Err() {
			pdf.ClearError()
			continue
		}
		pdf.AddUTF8Font(familyName, "B", p)
		if pdf.Err() {
			pdf.ClearError()
		}
		return familyName, true
	}

	return "Helvetica", false
}
