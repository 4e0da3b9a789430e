package models

import "time"

// Sync push actions understood by the spreadsheet script.
const (
	SyncActionUpdateDraw = "updateDraw"
	SyncActionUpdateUser = "updateUser"
	SyncActionAddUser    = "addUser"
)

// SyncPullPayload is the body returned by a GET on the script endpoint.
// Each table is a list of spreadsheet rows.
type SyncPullPayload struct {
	Users   [][]interface{} `json:"users"`
	Lessons [][]interface{} `json:"lessons"`
	Classes [][]interface{} `json:"classes"`
}

// SyncSummary reports what a pull replaced.
type SyncSummary struct {
	Users       int       `json:"users"`
	Lessons     int       `json:"lessons"`
	Classes     int       `json:"classes"`
	LinkedDraws int       `json:"linked_draws"`
	KeptDraws   int       `json:"kept_draws"`
	PulledAt    time.Time `json:"pulled_at"`
}

// SyncLesson is the lesson shape pushed with a draw.
type SyncLesson struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Grade   string `json:"grade"`
	Week    int    `json:"week"`
	Period  int    `json:"period"`
	Name    string `json:"name"`
}

// SyncDrawPush records a draw result on the sheet.
type SyncDrawPush struct {
	Action    string     `json:"action"`
	Email     string     `json:"email"`
	Lesson    SyncLesson `json:"lesson"`
	ClassName string     `json:"className"`
	Timestamp string     `json:"timestamp"`
}

// SyncUser is the user row pushed on add/update. It never carries credentials.
type SyncUser struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Email            string `json:"email"`
	Role             string `json:"role"`
	SubjectGroup     string `json:"subjectGroup"`
	DrawStartTime    string `json:"drawStartTime"`
	DrawEndTime      string `json:"drawEndTime"`
	HasDrawn         bool   `json:"hasDrawn"`
	DrawnLessonID    string `json:"drawnLessonId,omitempty"`
	DrawnClass       string `json:"drawnClass,omitempty"`
	ForceSingleGrade bool   `json:"forceSingleGrade"`
}

// SyncUserPush adds or updates a user row on the sheet.
type SyncUserPush struct {
	Action string   `json:"action"`
	Data   SyncUser `json:"data"`
}
