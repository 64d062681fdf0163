package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rubiojr/tripguide/pkg/engagement"
	"github.com/rubiojr/tripguide/pkg/geo"
	"github.com/rubiojr/tripguide/pkg/recommend"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestRecommendationsRequestShape(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/route/recommendations" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body["maxCount"].(float64) != 3 {
			t.Errorf("maxCount = %v", body["maxCount"])
		}
		origin := body["origin"].(map[string]any)
		if origin["latitude"].(float64) != 53.9 {
			t.Errorf("origin = %v", origin)
		}
		_ = json.NewEncoder(w).Encode([]recommend.Recommendation{{Name: "a", RowID: "r1"}})
	})
	got, err := c.Recommendations(context.Background(),
		geo.Coordinate{Latitude: 53.9, Longitude: 27.6},
		geo.Coordinate{Latitude: 53.95, Longitude: 27.7}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].RowID != "r1" {
		t.Errorf("got %+v", got)
	}
}

func TestSendEngagementMilliseconds(t *testing.T) {
	var got engagementRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/engagement" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	})
	err := c.SendEngagement(context.Background(), engagement.Record{
		SubjectID:     "article:1",
		TimeOnSubject: 42 * time.Second,
		Score:         engagement.ScorePositive,
		UserID:        "u1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.TimeOnSubject != 42000 || got.Score != engagement.ScorePositive || got.UserID != "u1" {
		t.Errorf("request = %+v", got)
	}
}

func TestStatusErrorMatchesErrNetwork(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	})
	_, err := c.Search(context.Background(), "Minsk", 5)
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable || se.Body != "boom" {
		t.Errorf("status error = %+v", se)
	}
}

func TestArticle(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/articles/old town" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"title": "Old Town", "author": "A", "content": "...", "score": "positive",
		})
	})
	a, err := c.Article(context.Background(), "old town")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != "old town" || a.Title != "Old Town" || a.Score != engagement.ScorePositive {
		t.Errorf("article = %+v", a)
	}
}

func TestArticles(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/articles" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"articles":[{"id":"test1","title":"Article1","author":"Stas","snippet":"lorem","score":"positive"}]}`)
	})
	list, err := c.Articles(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "test1" || list[0].Snippet != "lorem" {
		t.Errorf("articles = %+v", list)
	}
}

func TestNotConfigured(t *testing.T) {
	c, err := New("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if c.Enabled() {
		t.Error("empty base URL reported enabled")
	}
	if err := c.RateRoute(context.Background(), recommend.Rating{}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v", err)
	}
	if _, err := New("ftp://example.com", 0); err == nil {
		t.Error("ftp scheme accepted")
	}
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c, _ := New(url, 500*time.Millisecond)
	if _, err := c.Search(context.Background(), "x", 1); !errors.Is(err, ErrNetwork) {
		t.Errorf("err = %v", err)
	}
}
