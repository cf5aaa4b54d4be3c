//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/service"
)

const (
	defaultBaseURL = "http://localhost:8080"
	studentID      = 9001
	studentName    = "E2E Student"
	adminID        = 1
)

var (
	baseURL      string
	adminToken   string
	studentToken string
	examID       = time.Now().Unix()
)

func TestMain(m *testing.M) {
	// Load .env if present (ignore error)
	_ = godotenv.Load("../../.env")

	baseURL = os.Getenv("BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	// Tokens are signed with the server's JWT_SECRET, the same way the exam backend does.
	auth := service.NewAuthService(config.Load())
	var err error
	adminToken, err = auth.IssueToken(service.TokenTypeAdmin, adminID, "E2E Admin", "", []string{
		string(model.PermissionExamsMonitor),
		string(model.PermissionExamsControl),
		string(model.PermissionSystemBroadcast),
		string(model.PermissionSystemRead),
	})
	if err != nil {
		fmt.Printf("Setup failed: %v\n", err)
		os.Exit(1)
	}
	studentToken, err = auth.IssueToken(service.TokenTypeStudent, studentID, studentName, "e2e@student.local", nil)
	if err != nil {
		fmt.Printf("Setup failed: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func TestE2EFlow(t *testing.T) {
	var conn *websocket.Conn

	t.Run("StartExam", func(t *testing.T) {
		resp, err := post(fmt.Sprintf("/api/v1/admin/exams/%d/timer/start", examID), map[string]int{"duration_minutes": 30}, adminToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
		}
	})

	t.Run("StartTwiceRejected", func(t *testing.T) {
		resp, err := post(fmt.Sprintf("/api/v1/admin/exams/%d/timer/start", examID), map[string]int{"duration_minutes": 30}, adminToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("expected 409, got %d: %s", resp.StatusCode, readBody(resp))
		}
	})

	t.Run("StudentConnects", func(t *testing.T) {
		u, _ := url.Parse(baseURL)
		u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
		u.Path = fmt.Sprintf("/ws/v1/student/exams/%d/stream", examID)
		u.RawQuery = "token=" + url.QueryEscape(studentToken)

		var err error
		conn, _, err = websocket.DefaultDialer.Dial(u.String(), nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}

		// The first frame is the current timer state.
		var msg struct {
			Event string          `json:"event"`
			Topic string          `json:"topic"`
			Data  json.RawMessage `json:"data"`
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read timer: %v", err)
		}
		if msg.Topic != fmt.Sprintf("exam/%d/timer", examID) {
			t.Fatalf("expected timer topic, got %q", msg.Topic)
		}
	})

	t.Run("ReportProgress", func(t *testing.T) {
		if conn == nil {
			t.Skip("no connection")
		}
		err := conn.WriteJSON(map[string]interface{}{
			"action":            "progress",
			"submissionId":      777,
			"totalQuestions":    20,
			"answeredQuestions": 5,
			"status":            "IN_PROGRESS",
		})
		if err != nil {
			t.Fatalf("write: %v", err)
		}

		deadline := time.Now().Add(5 * time.Second)
		for {
			var msg map[string]interface{}
			conn.SetReadDeadline(deadline)
			if err := conn.ReadJSON(&msg); err != nil {
				t.Fatalf("read ack: %v", err)
			}
			if msg["event"] == "accepted" {
				if msg["completionPercentage"].(float64) != 25 {
					t.Fatalf("expected 25%%, got %v", msg["completionPercentage"])
				}
				return
			}
		}
	})

	t.Run("ProgressSnapshot", func(t *testing.T) {
		resp, err := get(fmt.Sprintf("/api/v1/admin/exams/%d/progress", examID), adminToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()

		var body struct {
			Data []model.ProgressRecord `json:"data"`
		}
		decodeJSON(t, resp, &body)
		if len(body.Data) != 1 || body.Data[0].StudentName != studentName {
			t.Fatalf("unexpected snapshot: %+v", body.Data)
		}
	})

	t.Run("ConnectionSnapshot", func(t *testing.T) {
		resp, err := get(fmt.Sprintf("/api/v1/admin/exams/%d/connections", examID), adminToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()

		var body struct {
			Data []model.ConnectionRecord `json:"data"`
		}
		decodeJSON(t, resp, &body)
		if len(body.Data) != 1 || body.Data[0].Status != model.ConnectionStatusConnected {
			t.Fatalf("unexpected snapshot: %+v", body.Data)
		}
	})

	t.Run("EndExam", func(t *testing.T) {
		resp, err := post(fmt.Sprintf("/api/v1/admin/exams/%d/timer/end", examID), nil, adminToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()

		var body struct {
			Data struct {
				Status           string `json:"status"`
				RemainingSeconds int64  `json:"remainingSeconds"`
			} `json:"data"`
		}
		decodeJSON(t, resp, &body)
		if body.Data.Status != "ENDED" || body.Data.RemainingSeconds != 0 {
			t.Fatalf("unexpected terminal tick: %+v", body.Data)
		}
	})

	if conn != nil {
		conn.Close()
	}
}

// Helpers

func post(path string, body interface{}, token string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		bodyReader = bytes.NewBuffer(jsonBytes)
	}

	req, err := http.NewRequest("POST", baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	return client.Do(req)
}

func get(path string, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	return client.Do(req)
}

func readBody(resp *http.Response) string {
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("json decode: %v", err)
	}
}
