package mockserver

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/xkilldash9x/forensync/internal/api"
)

// Seeded credentials accepted by a fresh server.
const (
	DefaultEmail    = "analyst@forensync.local"
	DefaultPassword = "Forensics#2024"
)

type account struct {
	id       int
	username string
	email    string
	fullName string
	hash     []byte
}

func (a *account) user() *api.User {
	return &api.User{
		ID:       api.ID(fmt.Sprint(a.id)),
		Email:    a.email,
		Username: a.username,
		FullName: a.fullName,
	}
}

// dataset is the in-memory backend state.
type dataset struct {
	mu       sync.RWMutex
	now      func() time.Time
	nextID   int
	accounts map[string]*account
	files    map[string]*api.FileRecord
	analyses map[string]*api.AnalysisResponse
	alerts   []api.Alert
	activity []api.Activity
}

func newDataset(now func() time.Time) (*dataset, error) {
	d := &dataset{
		now:      now,
		nextID:   100,
		accounts: make(map[string]*account),
		files:    make(map[string]*api.FileRecord),
		analyses: make(map[string]*api.AnalysisResponse),
	}
	if _, err := d.createAccount("analyst", DefaultEmail, DefaultPassword, "Default Analyst"); err != nil {
		return nil, err
	}

	ts := api.Timestamp{Time: now().UTC()}
	d.files["1"] = &api.FileRecord{ID: "1", Filename: "capture.pcap", Size: 524288, Type: "application/vnd.tcpdump.pcap", Status: api.StatusCompleted, CreatedAt: ts, UpdatedAt: ts}
	d.files["2"] = &api.FileRecord{ID: "2", Filename: "memdump.raw", Size: 1 << 30, Type: "application/octet-stream", Status: api.StatusProcessing, CreatedAt: ts, UpdatedAt: ts}
	d.analyses["1"] = &api.AnalysisResponse{
		ID:        "1",
		FileID:    "1",
		Type:      string(api.KindNetwork),
		Status:    api.StatusCompleted,
		Results:   []byte(`{"connections":12,"suspicious":1}`),
		CreatedAt: ts,
	}
	d.alerts = []api.Alert{
		{ID: "a1", Type: "critical", Message: "Beacon pattern to 203.0.113.7", Timestamp: ts.Format(time.RFC3339), Source: "network", Status: api.AlertNew},
		{ID: "a2", Type: "warning", Message: "Unsigned module loaded in lsass.exe", Timestamp: ts.Format(time.RFC3339), Source: "memory", Status: api.AlertNew},
	}
	d.activity = []api.Activity{
		{ID: "act1", Type: "upload", Description: "capture.pcap uploaded", Timestamp: ts.Format(time.RFC3339), User: "analyst"},
	}
	return d, nil
}

func (d *dataset) id() string {
	d.nextID++
	return fmt.Sprint(d.nextID)
}

func (d *dataset) createAccount(username, email, password, fullName string) (*account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	key := strings.ToLower(email)
	if _, ok := d.accounts[key]; ok {
		return nil, errConflict("Email already registered")
	}
	for _, a := range d.accounts {
		if a.username == username {
			return nil, errConflict("Username already registered")
		}
	}
	d.nextID++
	a := &account{id: d.nextID, username: username, email: email, fullName: fullName, hash: hash}
	d.accounts[key] = a
	return a, nil
}

func (d *dataset) authenticate(email, password string) (*account, bool) {
	d.mu.RLock()
	a, ok := d.accounts[strings.ToLower(email)]
	d.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if bcrypt.CompareHashAndPassword(a.hash, []byte(password)) != nil {
		return nil, false
	}
	return a, true
}

func (d *dataset) account(email string) (*account, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.accounts[strings.ToLower(email)]
	return a, ok
}

func (d *dataset) addFile(name string, size int64, contentType string) api.FileRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts := api.Timestamp{Time: d.now().UTC()}
	rec := &api.FileRecord{ID: api.ID(d.id()), Filename: name, Size: size, Type: contentType, Status: api.StatusPending, CreatedAt: ts, UpdatedAt: ts}
	d.files[string(rec.ID)] = rec
	d.activity = append(d.activity, api.Activity{
		ID:          api.ID("act" + string(rec.ID)),
		Type:        "upload",
		Description: name + " uploaded",
		Timestamp:   ts.Format(time.RFC3339),
	})
	return *rec
}

func (d *dataset) listFiles() []api.FileRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]api.FileRecord, 0, len(d.files))
	for _, f := range d.files {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return lessID(string(out[i].ID), string(out[j].ID)) })
	return out
}

func (d *dataset) file(id string) (api.FileRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, ok := d.files[id]
	if !ok {
		return api.FileRecord{}, false
	}
	return *f, true
}

func (d *dataset) deleteFile(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.files[id]; !ok {
		return false
	}
	delete(d.files, id)
	for aid, a := range d.analyses {
		if string(a.FileID) == id {
			delete(d.analyses, aid)
		}
	}
	return true
}

func (d *dataset) searchFiles(query string) []api.FileRecord {
	q := strings.ToLower(query)
	var out []api.FileRecord
	for _, f := range d.listFiles() {
		if strings.Contains(strings.ToLower(f.Filename), q) {
			out = append(out, f)
		}
	}
	return out
}

func (d *dataset) startAnalysis(fileID, kind string) (api.AnalysisResponse, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[fileID]
	if !ok {
		return api.AnalysisResponse{}, false
	}
	f.Status = api.StatusProcessing
	f.UpdatedAt = api.Timestamp{Time: d.now().UTC()}
	a := &api.AnalysisResponse{
		ID:        api.ID(d.id()),
		FileID:    f.ID,
		Type:      kind,
		Status:    api.StatusRunning,
		CreatedAt: api.Timestamp{Time: d.now().UTC()},
	}
	d.analyses[string(a.ID)] = a
	return *a, true
}

// analysisForFile returns the newest analysis of fileID.
func (d *dataset) analysisForFile(fileID string) (api.AnalysisResponse, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var found *api.AnalysisResponse
	for _, a := range d.analyses {
		if string(a.FileID) != fileID {
			continue
		}
		if found == nil || lessID(string(found.ID), string(a.ID)) {
			found = a
		}
	}
	if found == nil {
		return api.AnalysisResponse{}, false
	}
	return *found, true
}

func (d *dataset) analysis(id string) (api.AnalysisResponse, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.analyses[id]
	if !ok {
		return api.AnalysisResponse{}, false
	}
	return *a, true
}

func (d *dataset) setAlertStatus(id string, status api.AlertStatus) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.alerts {
		if string(d.alerts[i].ID) == id {
			d.alerts[i].Status = status
			return true
		}
	}
	return false
}

func (d *dataset) listAlerts() []api.Alert {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]api.Alert(nil), d.alerts...)
}

func (d *dataset) listActivity() []api.Activity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]api.Activity(nil), d.activity...)
}

func (d *dataset) stats() api.DashboardStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var s api.DashboardStats
	s.Network.Traffic = 12.5
	s.Network.Connections = 42
	s.Network.Protocols = 6
	s.Memory.Usage = 61.2
	s.Memory.Total = 16
	s.Memory.Processes = 128
	s.Filesystem.TotalFiles = len(d.files)
	for _, f := range d.files {
		s.Filesystem.TotalSize += f.Size
	}
	for _, a := range d.alerts {
		if a.Status == api.AlertResolved {
			continue
		}
		s.Threats.Total++
		switch a.Type {
		case "critical":
			s.Threats.Critical++
		case "warning":
			s.Threats.Medium++
		default:
			s.Threats.Low++
		}
	}
	return s
}

// lessID orders ids by length, then lexically; for numeric ids that is numeric order.
func lessID(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
