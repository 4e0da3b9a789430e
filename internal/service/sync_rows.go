package service

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/noah-isme/lesson-draw-api/internal/models"
)

const (
	sheetMinuteLayout = "2006-01-02 15:04"
	localMinuteLayout = "2006-01-02T15:04"
	defaultUserName   = "Chưa đặt tên"
	defaultPassword   = "123"
)

// drawnMarkers are the spreadsheet values meaning "has drawn", upper-cased.
var drawnMarkers = map[string]struct{}{
	"TRUE":   {},
	"ĐÃ BỐC": {},
	"YES":    {},
}

// cell renders a decoded JSON spreadsheet value as text.
func cell(row []interface{}, i int) string {
	if i >= len(row) || row[i] == nil {
		return ""
	}
	switch v := row[i].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	default:
		return fmt.Sprint(v)
	}
}

// leadingInt parses the integer prefix of s, like "3", "3.0" or " 12 tiết".
func leadingInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && (unicode.IsDigit(rune(s[end])) || (end == 0 && (s[end] == '-' || s[end] == '+'))) {
		end++
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

func intOr(s string, fallback int) int {
	if n, ok := leadingInt(s); ok && n > 0 {
		return n
	}
	return fallback
}

// parseSheetTime accepts "YYYY-MM-DD HH:mm", "YYYY-MM-DDTHH:mm" with optional
// seconds, and full RFC 3339. Zone-less values are read in loc.
func parseSheetTime(raw string, loc *time.Location, fallback time.Time) time.Time {
	s := strings.TrimSpace(raw)
	if s == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if len(s) >= 16 {
		head := strings.Replace(s[:16], " ", "T", 1)
		if t, err := time.ParseInLocation(localMinuteLayout, head, loc); err == nil {
			return t
		}
	}
	return fallback
}

func formatSheetTime(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(sheetMinuteLayout)
}

func lessonKey(l models.Lesson) string {
	return strings.Join([]string{l.Subject, l.Grade, strconv.Itoa(l.Week), strconv.Itoa(l.Period), l.Name}, "\x1f")
}

// keepLocalDraw carries a committed local draw over a sheet row that has not
// caught up with it yet. The lesson link is dropped when the lesson is gone
// from the pulled catalog.
func keepLocalDraw(u *models.User, prev models.User, lessonIDs map[string]struct{}) {
	u.HasDrawn = true
	u.DrawnClass = prev.DrawnClass
	u.DrawnLessonID = nil
	if prev.DrawnLessonID != nil {
		if _, ok := lessonIDs[*prev.DrawnLessonID]; ok {
			id := *prev.DrawnLessonID
			u.DrawnLessonID = &id
		}
	}
}

// assignLessonIDs gives each lesson the id of an existing lesson with the same
// five fields, or a fresh one. Each existing id is handed out once. The
// returned map resolves a lesson key to the first id assigned for it.
func assignLessonIDs(lessons, existing []models.Lesson) map[string]string {
	free := make(map[string][]string, len(existing))
	for _, l := range existing {
		k := lessonKey(l)
		free[k] = append(free[k], l.ID)
	}
	byKey := make(map[string]string, len(lessons))
	for i := range lessons {
		k := lessonKey(lessons[i])
		if ids := free[k]; len(ids) > 0 {
			lessons[i].ID, free[k] = ids[0], ids[1:]
		} else {
			lessons[i].ID = uuid.NewString()
		}
		if _, ok := byKey[k]; !ok {
			byKey[k] = lessons[i].ID
		}
	}
	return byKey
}

// parseLessonRows reads [subject, grade, week, period, name] rows. Rows with
// fewer than five cells are skipped; week and period default to 1.
func parseLessonRows(rows [][]interface{}) []models.Lesson {
	lessons := make([]models.Lesson, 0, len(rows))
	for _, row := range rows {
		if len(row) < 5 {
			continue
		}
		lessons = append(lessons, models.Lesson{
			Subject: strings.TrimSpace(cell(row, 0)),
			Grade:   strings.TrimSpace(cell(row, 1)),
			Week:    intOr(cell(row, 2), 1),
			Period:  intOr(cell(row, 3), 1),
			Name:    strings.TrimSpace(cell(row, 4)),
		})
	}
	return lessons
}

// parseClassRows reads [grade, name] rows.
func parseClassRows(rows [][]interface{}) []models.Classroom {
	classes := make([]models.Classroom, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		c := models.Classroom{Grade: strings.TrimSpace(cell(row, 0)), Name: strings.TrimSpace(cell(row, 1))}
		key := c.Grade + "\x1f" + c.Name
		if _, dup := seen[key]; dup || c.Name == "" {
			continue
		}
		seen[key] = struct{}{}
		classes = append(classes, c)
	}
	return classes
}

// sheetUser is a parsed roster row before ids and hashes are assigned.
type sheetUser struct {
	user     models.User
	password string
	drawn    *models.Lesson
}

// parseUserRows reads roster rows:
// [name, email, password, role, subject, start, end, hasDrawn, lSubject, lGrade, lName, drawnClass, lWeek, lPeriod].
func parseUserRows(rows [][]interface{}, loc *time.Location, now time.Time) []sheetUser {
	users := make([]sheetUser, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		name := strings.TrimSpace(cell(row, 0))
		if name == "" {
			name = defaultUserName
		}
		password := cell(row, 2)
		if password == "" {
			password = defaultPassword
		}
		su := sheetUser{
			user: models.User{
				FullName:      name,
				Email:         strings.TrimSpace(cell(row, 1)),
				Role:          models.ParseRole(cell(row, 3)),
				SubjectGroup:  strings.TrimSpace(cell(row, 4)),
				DrawStartTime: parseSheetTime(cell(row, 5), loc, now),
				DrawEndTime:   parseSheetTime(cell(row, 6), loc, now.Add(24*time.Hour)),
			},
			password: password,
		}

		if _, ok := drawnMarkers[strings.ToUpper(strings.TrimSpace(cell(row, 7)))]; ok {
			className := cell(row, 11)
			su.user.HasDrawn = true
			su.user.DrawnClass = &className
			week, wok := leadingInt(cell(row, 12))
			period, pok := leadingInt(cell(row, 13))
			if wok && pok {
				su.drawn = &models.Lesson{
					Subject: strings.TrimSpace(cell(row, 8)),
					Grade:   strings.TrimSpace(cell(row, 9)),
					Name:    strings.TrimSpace(cell(row, 10)),
					Week:    week,
					Period:  period,
				}
			}
		}
		users = append(users, su)
	}
	return users
}
