package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/lesson-draw-api/internal/models"
	appErrors "github.com/noah-isme/lesson-draw-api/pkg/errors"
	"github.com/noah-isme/lesson-draw-api/pkg/export"
)

// Export formats.
const (
	ExportFormatCSV = "csv"
	ExportFormatPDF = "pdf"
)

var resultHeaders = []string{
	"Tên Giáo Viên", "Email", "Môn Giảng Dạy", "Bắt đầu bốc thăm", "Kết thúc bốc thăm",
	"Trạng thái", "Tên Bài Dạy", "Khối", "Lớp dạy", "Tuần", "Tiết",
}

type exportRosterReader interface {
	ListAll(ctx context.Context) ([]models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type exportLessonReader interface {
	List(ctx context.Context) ([]models.Lesson, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportRequest selects the result sheet to render.
type ExportRequest struct {
	Format string
	UserID string
}

// ExportResult is a rendered file ready to download.
type ExportResult struct {
	Filename    string
	ContentType string
	Body        []byte
}

// ExportService renders the draw result sheet.
type ExportService struct {
	users   exportRosterReader
	lessons exportLessonReader
	csv     csvRenderer
	pdf     pdfRenderer
	loc     *time.Location
	logger  *zap.Logger
	now     func() time.Time
}

// NewExportService constructs an ExportService.
func NewExportService(users exportRosterReader, lessons exportLessonReader, loc *time.Location, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{users: users, lessons: lessons, csv: csv, pdf: pdf, loc: loc, logger: logger, now: time.Now}
}

// Results renders every non-admin user's draw state, or a single user's
// when UserID is set.
func (s *ExportService) Results(ctx context.Context, req ExportRequest) (*ExportResult, error) {
	format := strings.ToLower(strings.TrimSpace(req.Format))
	if format == "" {
		format = ExportFormatCSV
	}
	if format != ExportFormatCSV && format != ExportFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}

	users, err := s.selectUsers(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	lessons, err := s.lessons.List(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load lessons")
	}

	dataset := s.buildDataset(users, lessons)
	title := "Kết Quả Bốc Thăm"
	base := "ket_qua_boc_tham_tong_hop"
	if req.UserID != "" && len(users) == 1 {
		title = "Kết Quả Chi Tiết - " + users[0].FullName
		base = "ket_qua_" + sanitizeFilename(users[0].FullName)
	}

	var body []byte
	contentType := "text/csv; charset=utf-8"
	switch format {
	case ExportFormatPDF:
		body, err = s.pdf.Render(dataset, title)
		contentType = "application/pdf"
	default:
		body, err = s.csv.Render(dataset)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}

	filename := fmt.Sprintf("%s_%s.%s", base, s.now().In(s.loc).Format("20060102_1504"), format)
	s.logger.Info("result sheet exported", zap.String("format", format), zap.Int("rows", len(dataset.Rows)))
	return &ExportResult{Filename: filename, ContentType: contentType, Body: body}, nil
}

func (s *ExportService) selectUsers(ctx context.Context, userID string) ([]models.User, error) {
	if userID != "" {
		user, err := s.users.FindByID(ctx, userID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
		}
		return []models.User{*user}, nil
	}

	all, err := s.users.ListAll(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load roster")
	}
	users := make([]models.User, 0, len(all))
	for _, u := range all {
		if u.Role != models.RoleAdmin {
			users = append(users, u)
		}
	}
	return users, nil
}

func (s *ExportService) buildDataset(users []models.User, lessons []models.Lesson) export.Dataset {
	byID := make(map[string]models.Lesson, len(lessons))
	for _, l := range lessons {
		byID[l.ID] = l
	}

	rows := make([]map[string]string, 0, len(users))
	for _, u := range users {
		row := map[string]string{
			"Tên Giáo Viên":     u.FullName,
			"Email":             u.Email,
			"Môn Giảng Dạy":     u.SubjectGroup,
			"Bắt đầu bốc thăm":  formatSheetTime(u.DrawStartTime, s.loc),
			"Kết thúc bốc thăm": formatSheetTime(u.DrawEndTime, s.loc),
			"Trạng thái":        "Chưa bốc",
		}
		if u.HasDrawn {
			row["Trạng thái"] = "Đã bốc"
		}
		if u.DrawnClass != nil {
			row["Lớp dạy"] = *u.DrawnClass
		}
		if u.DrawnLessonID != nil {
			if l, ok := byID[*u.DrawnLessonID]; ok {
				row["Tên Bài Dạy"] = l.Name
				row["Khối"] = l.Grade
				row["Tuần"] = strconv.Itoa(l.Week)
				row["Tiết"] = strconv.Itoa(l.Period)
			}
		}
		rows = append(rows, row)
	}
	return export.Dataset{Headers: resultHeaders, Rows: rows}
}

func sanitizeFilename(raw string) string {
	folded := strings.ToLower(export.Fold(raw))
	var b strings.Builder
	for _, r := range folded {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	result := b.String()
	if result == "" {
		return "na"
	}
	if len(result) > 100 {
		return result[:100]
	}
	return result
}
