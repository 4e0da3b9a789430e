package service

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/lesson-draw-api/internal/models"
	appErrors "github.com/noah-isme/lesson-draw-api/pkg/errors"
	"github.com/noah-isme/lesson-draw-api/pkg/export"
)

type exportRosterStub struct{ users []models.User }

func (s exportRosterStub) ListAll(ctx context.Context) ([]models.User, error) { return s.users, nil }

func (s exportRosterStub) FindByID(ctx context.Context, id string) (*models.User, error) {
	for _, u := range s.users {
		if u.ID == id {
			copy := u
			return &copy, nil
		}
	}
	return nil, sql.ErrNoRows
}

func newTestExportService() *ExportService {
	lessonID, class := "L1", "6A1"
	start := time.Date(2026, 11, 20, 0, 30, 0, 0, time.UTC)
	roster := exportRosterStub{users: []models.User{
		{ID: "admin", FullName: "Admin", Email: "admin@edu.vn", Role: models.RoleAdmin},
		{ID: "t1", FullName: "Nguyễn Văn Đức", Email: "duc@edu.vn", Role: models.RoleTeacher, SubjectGroup: "Toán",
			DrawStartTime: start, DrawEndTime: start.Add(time.Hour), HasDrawn: true, DrawnLessonID: &lessonID, DrawnClass: &class},
		{ID: "t2", FullName: "Trần B", Email: "b@edu.vn", Role: models.RoleTeacher, DrawStartTime: start, DrawEndTime: start},
	}}
	lessons := fakeLessonList{lessons: []models.Lesson{{ID: "L1", Subject: "Toán", Grade: "Khối 6", Week: 3, Period: 2, Name: "Phân số"}}}
	svc := NewExportService(roster, lessons, time.FixedZone("ICT", 7*3600), zap.NewNop(), nil, nil)
	svc.now = func() time.Time { return start }
	return svc
}

func TestExportServiceCSV(t *testing.T) {
	svc := newTestExportService()

	res, err := svc.Results(context.Background(), ExportRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ket_qua_boc_tham_tong_hop_20261120_0730.csv", res.Filename)
	assert.Equal(t, "text/csv; charset=utf-8", res.ContentType)

	records, err := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(res.Body, []byte{0xEF, 0xBB, 0xBF}))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, resultHeaders, records[0])
	assert.Equal(t, []string{"Nguyễn Văn Đức", "duc@edu.vn", "Toán", "2026-11-20 07:30", "2026-11-20 08:30", "Đã bốc", "Phân số", "Khối 6", "6A1", "3", "2"}, records[1])
	assert.Equal(t, "Chưa bốc", records[2][5])
	assert.Equal(t, "", records[2][6])
}

func TestExportServiceSingleUserPDF(t *testing.T) {
	svc := newTestExportService()

	res, err := svc.Results(context.Background(), ExportRequest{Format: "PDF", UserID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", res.ContentType)
	assert.Equal(t, "ket_qua_nguyen_van_duc_20261120_0730.pdf", res.Filename)
	assert.True(t, bytes.HasPrefix(res.Body, []byte("%PDF")))
}

func TestExportServiceErrors(t *testing.T) {
	svc := newTestExportService()

	_, err := svc.Results(context.Background(), ExportRequest{Format: "xlsx"})
	assert.Equal(t, appErrors.ErrValidation.Code, errCode(err))

	_, err = svc.Results(context.Background(), ExportRequest{UserID: "ghost"})
	assert.Equal(t, appErrors.ErrNotFound.Code, errCode(err))
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "le_thi_hoa", sanitizeFilename("Lê Thị Hoa"))
	assert.Equal(t, "na", sanitizeFilename(""))
	assert.Equal(t, "khoi_6", sanitizeFilename(export.Fold("Khối 6")))
}
