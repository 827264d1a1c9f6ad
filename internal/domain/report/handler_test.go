package report

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/radportal/radportal/internal/platform/auth"
	"github.com/radportal/radportal/internal/platform/inference"
)

func newTestHandler(p Providers) (*Handler, *Service, *echo.Echo) {
	svc, _ := newTestService(p)
	return NewHandler(svc), svc, echo.New()
}

func asClinician(req *http.Request, c auth.Clinician) *http.Request {
	return req.WithContext(auth.WithClinician(req.Context(), c))
}

func multipartBody(t *testing.T, fields map[string]string, fileField, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if fileField != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="`+fileField+`"; filename="`+filename+`"`)
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(data)
	}
	w.Close()
	return &buf, w.FormDataContentType()
}

func expectStatus(t *testing.T, err error, want int) *echo.HTTPError {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != want {
		t.Errorf("expected %d, got %d (%v)", want, httpErr.Code, httpErr.Message)
	}
	return httpErr
}

func TestHandler_CreateReport(t *testing.T) {
	h, _, e := newTestHandler(defaultProviders())
	body, ct := multipartBody(t, map[string]string{"patient_id": "P1", "clinical_notes": "cough"}, "image", "chest.png", "image/png", testImage(t))
	req := asClinician(httptest.NewRequest(http.MethodPost, "/api/reports", body), radiologist)
	req.Header.Set(echo.HeaderContentType, ct)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateReport(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var got Report
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != StatusDraft || got.PatientToken == "" || got.PatientID != "P1" {
		t.Errorf("unexpected report %+v", got)
	}
	if rec.Header().Get("ETag") != `"1"` {
		t.Errorf("expected ETag \"1\", got %q", rec.Header().Get("ETag"))
	}
}

func TestHandler_CreateReport_BadUploads(t *testing.T) {
	tests := []struct {
		name      string
		fileField string
		ct        string
		data      []byte
	}{
		{"no image", "", "", nil},
		{"text file", "image", "text/plain", []byte("hello")},
		{"corrupt png", "image", "image/png", []byte("\x89PNG broken")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, e := newTestHandler(defaultProviders())
			body, ct := multipartBody(t, map[string]string{"patient_id": "P1"}, tt.fileField, "f", tt.ct, tt.data)
			req := asClinician(httptest.NewRequest(http.MethodPost, "/api/reports", body), radiologist)
			req.Header.Set(echo.HeaderContentType, ct)
			c := e.NewContext(req, httptest.NewRecorder())
			expectStatus(t, h.CreateReport(c), http.StatusBadRequest)
		})
	}
}

func TestHandler_RequiresClinician(t *testing.T) {
	h, _, e := newTestHandler(defaultProviders())
	req := httptest.NewRequest(http.MethodGet, "/api/reports/"+uuid.NewString(), nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.NewString())
	expectStatus(t, h.GetReport(c), http.StatusUnauthorized)
}

func TestHandler_NotFoundShapes(t *testing.T) {
	h, _, e := newTestHandler(defaultProviders())

	var messages []interface{}

	for _, id := range []string{uuid.NewString(), "not-a-uuid"} {
		req := asClinician(httptest.NewRequest(http.MethodGet, "/api/reports/"+id, nil), radiologist)
		c := e.NewContext(req, httptest.NewRecorder())
		c.SetParamNames("id")
		c.SetParamValues(id)
		messages = append(messages, expectStatus(t, h.GetReport(c), http.StatusNotFound).Message)
	}

	token, _ := auth.NewPatientToken()
	for _, tok := range []string{token, "bad token!"} {
		req := httptest.NewRequest(http.MethodGet, "/api/public/view/x", nil)
		c := e.NewContext(req, httptest.NewRecorder())
		c.SetParamNames("token")
		c.SetParamValues(tok)
		messages = append(messages, expectStatus(t, h.PublicView(c), http.StatusNotFound).Message)
	}

	for i := 1; i < len(messages); i++ {
		if messages[i] != messages[0] {
			t.Errorf("not-found message %d = %v, want %v", i, messages[i], messages[0])
		}
	}
}

func TestHandler_OwnershipLooksLikeNotFound(t *testing.T) {
	h, svc, e := newTestHandler(defaultProviders())
	svc.SetEnforceOwnership(true)
	r := createReport(t, svc)

	get := func(id string) *echo.HTTPError {
		req := asClinician(httptest.NewRequest(http.MethodGet, "/api/reports/"+id, nil), otherRad)
		c := e.NewContext(req, httptest.NewRecorder())
		c.SetParamNames("id")
		c.SetParamValues(id)
		return expectStatus(t, h.GetReport(c), http.StatusNotFound)
	}
	owned := get(r.ID.String())
	missing := get(uuid.NewString())
	if owned.Message != missing.Message {
		t.Errorf("another radiologist's report should be indistinguishable from a missing one: %v vs %v", owned.Message, missing.Message)
	}
}

func TestHandler_UpdateIgnoresUnknownFields(t *testing.T) {
	h, svc, e := newTestHandler(defaultProviders())
	r := createReport(t, svc)

	body := `{"final_report":"Reviewed: normal.","status":"finalized",
		"ai_generated_report":"overwritten","patient_token":"stolen","radiologist_id":"mallory"}`
	req := asClinician(httptest.NewRequest(http.MethodPut, "/api/reports/"+r.ID.String(), strings.NewReader(body)), radiologist)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(r.ID.String())

	if err := h.UpdateReport(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Report
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.FinalReport != "Reviewed: normal." || got.Status != StatusFinalized {
		t.Errorf("patch not applied: %+v", got)
	}
	if got.AIGeneratedReport != r.AIGeneratedReport || got.PatientToken != r.PatientToken || got.RadiologistID != r.RadiologistID {
		t.Error("write-once fields were changed")
	}
}

func TestHandler_UpdateConflicts(t *testing.T) {
	h, svc, e := newTestHandler(defaultProviders())
	r := createReport(t, svc)

	tests := []struct {
		name    string
		body    string
		ifMatch string
		want    int
	}{
		{"stale if-match", `{"final_report":"a"}`, `"7"`, http.StatusConflict},
		{"bad status", `{"status":"deleted"}`, "", http.StatusBadRequest},
		{"bad json", `{"status":`, "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := asClinician(httptest.NewRequest(http.MethodPut, "/api/reports/"+r.ID.String(), strings.NewReader(tt.body)), radiologist)
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			if tt.ifMatch != "" {
				req.Header.Set("If-Match", tt.ifMatch)
			}
			c := e.NewContext(req, httptest.NewRecorder())
			c.SetParamNames("id")
			c.SetParamValues(r.ID.String())
			expectStatus(t, h.UpdateReport(c), tt.want)
		})
	}
}

func TestIfMatchVersion(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{`"3"`, 3, true},
		{`W/"12"`, 12, true},
		{"4", 4, true},
		{"*", 0, false},
		{"", 0, false},
		{`"0"`, 0, false},
	}
	for _, tt := range tests {
		got, ok := ifMatchVersion(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ifMatchVersion(%q) = %d, %v; want %d, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestHandler_ChatFallback(t *testing.T) {
	p := defaultProviders()
	p.Answerer = failingAnswerer{}
	h, svc, e := newTestHandler(p)
	r := createReport(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/public/chat/x", strings.NewReader(`{"query":"Any findings?"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("token")
	c.SetParamValues(r.PatientToken)

	if err := h.Chat(c); err != nil {
		t.Fatalf("chat must not error when the provider fails: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Response != inference.ChatFallback {
		t.Errorf("response = %q", got.Response)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("expected no-store on token responses")
	}
}

func TestHandler_PublicView(t *testing.T) {
	h, svc, e := newTestHandler(defaultProviders())
	svc.SetPatientDirectory(&mockDirectory{patients: map[string]*PublicPatient{"P1": {PatientID: "P1", Name: "Jane Roe"}}})
	r := createReport(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/public/view/x", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("token")
	c.SetParamValues(r.PatientToken)

	if err := h.PublicView(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got struct {
		Report  Report        `json:"report"`
		Patient PublicPatient `json:"patient"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Report.ID != r.ID || got.Patient.Name != "Jane Roe" {
		t.Errorf("unexpected view %+v", got)
	}
	if len(got.Report.ImageData) == 0 {
		t.Error("public view should include the image")
	}
}

func TestHandler_Export(t *testing.T) {
	h, svc, e := newTestHandler(defaultProviders())
	r := createReport(t, svc)

	tests := []struct {
		format string
		want   int
		ctype  string
	}{
		{"", http.StatusOK, "application/pdf"},
		{"json", http.StatusOK, "application/json"},
		{"xml", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run("format="+tt.format, func(t *testing.T) {
			req := asClinician(httptest.NewRequest(http.MethodGet, "/api/reports/"+r.ID.String()+"/export?format="+tt.format, nil), radiologist)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			c.SetParamNames("id")
			c.SetParamValues(r.ID.String())

			err := h.ExportReport(c)
			if tt.want != http.StatusOK {
				expectStatus(t, err, tt.want)
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := rec.Header().Get(echo.HeaderContentType); got != tt.ctype {
				t.Errorf("content type = %q, want %q", got, tt.ctype)
			}
			if !strings.Contains(rec.Header().Get(echo.HeaderContentDisposition), r.ID.String()) {
				t.Error("expected filename with report id")
			}
		})
	}
}

func TestHandler_UploadPDF(t *testing.T) {
	h, _, e := newTestHandler(defaultProviders())

	body, ct := multipartBody(t, nil, "pdf_file", "prior.pdf", "application/pdf", []byte("%PDF-1.7\n%%EOF"))
	req := asClinician(httptest.NewRequest(http.MethodPost, "/api/reports/upload-pdf", body), radiologist)
	req.Header.Set(echo.HeaderContentType, ct)
	rec := httptest.NewRecorder()
	if err := h.UploadPDF(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got ImportResult
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Message != importMessage || got.ReportID == uuid.Nil {
		t.Errorf("unexpected result %+v", got)
	}

	body, ct = multipartBody(t, nil, "pdf_file", "scan.png", "image/png", testImage(t))
	req = asClinician(httptest.NewRequest(http.MethodPost, "/api/reports/upload-pdf", body), radiologist)
	req.Header.Set(echo.HeaderContentType, ct)
	expectStatus(t, h.UploadPDF(e.NewContext(req, httptest.NewRecorder())), http.StatusBadRequest)
}
