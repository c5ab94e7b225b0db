package app

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"auditsync/api/internal/channel"
	"auditsync/api/internal/document"
	"auditsync/api/internal/synchub"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), payload...))
	return nil
}

// applyingSender mirrors the websocket path: document-replace broadcasts
// update the session's local copy before reaching the client.
type applyingSender struct {
	session *Session
	next    synchub.Sender
}

func (s *applyingSender) Send(payload []byte) error {
	var frame struct {
		Type     string            `json:"type"`
		Document document.Document `json:"document"`
	}
	if err := json.Unmarshal(payload, &frame); err == nil && frame.Type == synchub.TypeDocumentReplace {
		s.session.ApplyRemote(frame.Document)
	}
	return s.next.Send(payload)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestDocument(t *testing.T, service *Service) document.Document {
	t.Helper()
	doc, err := service.CreateDocument(context.Background(), CreateDocumentInput{
		Name:       "Plant Audit",
		Locations:  []string{"yard", "control-room"},
		Categories: []string{"grounding", "labeling"},
	})
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	return doc
}

func TestDispatchAppliesMutationLocally(t *testing.T) {
	st := newFakeStore()
	service := newTestService(st, newFakeHistory(), &fakeHub{})
	doc := newTestDocument(t, service)

	session := service.NewSession(doc, "client-1", &fakeConn{})
	defer session.Close()

	err := session.Dispatch(CommandInput{
		Type: "cell-edit", LocationID: "yard", CategoryID: "grounding",
		Probability: 5, Severity: "A",
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	snap := session.Snapshot()
	entry, ok := snap.Document.Matrix[document.CellKey("yard", "grounding")]
	if !ok {
		t.Fatal("cell not present after dispatch")
	}
	if entry.RiskValue != 4 || entry.CompositeCode != "5A" {
		t.Errorf("cell = %+v, want riskValue 4 / code 5A", entry)
	}
	if !snap.CanUndo {
		t.Error("CanUndo = false after a mutation")
	}

	// The edit persists after the debounce without any explicit save call.
	waitFor(t, "autosave", func() bool { return st.saveCount() == 2 })
	saved := st.savedAt(1)
	if _, ok := saved.Matrix[document.CellKey("yard", "grounding")]; !ok {
		t.Error("persisted document missing the edited cell")
	}
	if saved.LastSavedAt == nil {
		t.Error("persisted document missing lastSavedAt stamp")
	}
}

func TestDispatchValidationRejectedBeforeStack(t *testing.T) {
	st := newFakeStore()
	service := newTestService(st, newFakeHistory(), &fakeHub{})
	doc := newTestDocument(t, service)

	session := service.NewSession(doc, "client-1", &fakeConn{})
	defer session.Close()

	cases := []CommandInput{
		{Type: "cell-edit", LocationID: "yard", CategoryID: "grounding", Probability: 9, Severity: "A"},
		{Type: "cell-edit", LocationID: "yard", CategoryID: "grounding", Probability: 3, Severity: "Z"},
		{Type: "cell-edit", LocationID: "nowhere", CategoryID: "grounding", Probability: 3, Severity: "B"},
		{Type: "row-archive", RowID: "nowhere"},
		{Type: "rename"},
		{Type: "teleport"},
	}
	for _, input := range cases {
		err := session.Dispatch(input)
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
			t.Errorf("Dispatch(%+v): got %v, want VALIDATION_ERROR", input, err)
		}
	}

	snap := session.Snapshot()
	if snap.CanUndo {
		t.Error("rejected commands reached the undo stack")
	}
	if !reflect.DeepEqual(snap.Document, doc) {
		t.Error("rejected commands mutated the local document")
	}
	// Nothing beyond the create was ever scheduled for persistence.
	time.Sleep(3 * service.cfg.AutosaveDebounce)
	if st.saveCount() != 1 {
		t.Errorf("saves = %d, want 1", st.saveCount())
	}
}

func TestUndoRedoRouteThroughScheduler(t *testing.T) {
	st := newFakeStore()
	service := newTestService(st, newFakeHistory(), &fakeHub{})
	doc := newTestDocument(t, service)

	session := service.NewSession(doc, "client-1", &fakeConn{})
	defer session.Close()

	if session.Undo() {
		t.Error("Undo on empty stack reported success")
	}

	if err := session.Dispatch(CommandInput{
		Type: "cell-edit", LocationID: "yard", CategoryID: "grounding",
		Probability: 5, Severity: "A",
	}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	// Undo within the debounce window: the only persisted state is the
	// undone one.
	if !session.Undo() {
		t.Fatal("Undo reported failure")
	}
	waitFor(t, "undo autosave", func() bool { return st.saveCount() == 2 })
	if len(st.savedAt(1).Matrix) != 0 {
		t.Error("persisted state after undo still contains the edit")
	}

	if !session.Redo() {
		t.Fatal("Redo reported failure")
	}
	waitFor(t, "redo autosave", func() bool { return st.saveCount() == 3 })
	if _, ok := st.savedAt(2).Matrix[document.CellKey("yard", "grounding")]; !ok {
		t.Error("persisted state after redo is missing the edit")
	}
}

func TestClosePersistsPendingEdit(t *testing.T) {
	st := newFakeStore()
	service := newTestService(st, newFakeHistory(), &fakeHub{})
	service.cfg.AutosaveDebounce = time.Hour
	doc := newTestDocument(t, service)

	session := service.NewSession(doc, "client-1", &fakeConn{})
	if err := session.Dispatch(CommandInput{
		Type: "cell-edit", LocationID: "yard", CategoryID: "grounding",
		Probability: 3, Severity: "B",
	}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	// Disconnect lands well inside the debounce window; the edit must
	// still be written by the time Close returns.
	session.Close()

	if st.saveCount() != 2 {
		t.Fatalf("saves = %d after Close, want 2", st.saveCount())
	}
	if _, ok := st.savedAt(1).Matrix[document.CellKey("yard", "grounding")]; !ok {
		t.Error("persisted document missing the pending edit")
	}
}

func TestApplyRemoteIdempotent(t *testing.T) {
	service := newTestService(newFakeStore(), newFakeHistory(), &fakeHub{})
	doc := newTestDocument(t, service)

	session := service.NewSession(doc, "client-1", &fakeConn{})
	defer session.Close()

	remote, err := doc.SetCell("yard", "labeling", 2, "C")
	if err != nil {
		t.Fatalf("SetCell failed: %v", err)
	}

	session.ApplyRemote(remote)
	first := session.Snapshot()
	session.ApplyRemote(remote)
	second := session.Snapshot()

	if !reflect.DeepEqual(first.Document, second.Document) {
		t.Error("applying the same broadcast twice changed the local state")
	}
	if !reflect.DeepEqual(first.Document, remote) {
		t.Error("local state does not match the broadcast state")
	}
}

// Two clients editing concurrently: whichever save lands last wins the
// whole document, and an edit absent from the winner's in-memory copy is
// lost. Both clients converge on the winning state.
func TestConcurrentSessionsLastSaveWins(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	messages := channel.NewWithClient(client)
	defer messages.Close()

	st := newFakeStore()
	service := newTestService(st, newFakeHistory(), synchub.New(messages))
	service.cfg.AutosaveDebounce = 90 * time.Millisecond
	doc := newTestDocument(t, service)
	ctx := context.Background()

	connA, connB := &fakeConn{}, &fakeConn{}
	sessionA := service.NewSession(doc, "client-a", connA)
	sessionB := service.NewSession(doc, "client-b", connB)
	defer sessionA.Close()
	defer sessionB.Close()

	if err := service.Join(ctx, doc.ID, "client-a", &applyingSender{session: sessionA, next: connA}); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := service.Join(ctx, doc.ID, "client-b", &applyingSender{session: sessionB, next: connB}); err != nil {
		t.Fatalf("join b: %v", err)
	}
	defer service.Leave(ctx, doc.ID, "client-a")
	defer service.Leave(ctx, doc.ID, "client-b")

	keyA := document.CellKey("yard", "grounding")
	keyB := document.CellKey("yard", "labeling")

	// A edits first; B edits before A's save broadcast can reach it, so
	// B's copy never sees A's cell.
	if err := sessionA.Dispatch(CommandInput{
		Type: "cell-edit", LocationID: "yard", CategoryID: "grounding",
		Probability: 5, Severity: "A",
	}); err != nil {
		t.Fatalf("dispatch a: %v", err)
	}
	time.Sleep(service.cfg.AutosaveDebounce / 3)
	if err := sessionB.Dispatch(CommandInput{
		Type: "cell-edit", LocationID: "yard", CategoryID: "labeling",
		Probability: 4, Severity: "B",
	}); err != nil {
		t.Fatalf("dispatch b: %v", err)
	}

	waitFor(t, "both autosaves", func() bool { return st.saveCount() == 3 })

	firstSave, lastSave := st.savedAt(1), st.savedAt(2)
	if _, ok := firstSave.Matrix[keyA]; !ok {
		t.Error("first save missing client A's edit")
	}
	if _, ok := lastSave.Matrix[keyB]; !ok {
		t.Error("last save missing client B's edit")
	}
	if _, ok := lastSave.Matrix[keyA]; ok {
		t.Error("last save contains client A's edit; expected it overwritten")
	}

	// Both sessions converge on the last-saved state, A's edit included
	// nowhere.
	waitFor(t, "convergence", func() bool {
		snapA, snapB := sessionA.Snapshot(), sessionB.Snapshot()
		_, aHasA := snapA.Document.Matrix[keyA]
		_, aHasB := snapA.Document.Matrix[keyB]
		_, bHasB := snapB.Document.Matrix[keyB]
		return !aHasA && aHasB && bHasB
	})

	stored, err := service.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if _, ok := stored.Matrix[keyA]; ok {
		t.Error("stored document still contains the lost edit")
	}
}

func TestSaveStatusFramesReachClient(t *testing.T) {
	st := newFakeStore()
	service := newTestService(st, newFakeHistory(), &fakeHub{})
	doc := newTestDocument(t, service)

	conn := &fakeConn{}
	session := service.NewSession(doc, "client-1", conn)
	defer session.Close()

	if err := session.Dispatch(CommandInput{
		Type: "cell-edit", LocationID: "yard", CategoryID: "grounding",
		Probability: 1, Severity: "E",
	}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	waitFor(t, "save status frames", func() bool {
		return len(statusesOf(conn)) >= 3
	})

	got := statusesOf(conn)
	want := []string{"pending", "saving", "saved"}
	if !reflect.DeepEqual(got[:3], want) {
		t.Errorf("statuses = %v, want %v", got[:3], want)
	}
}

func statusesOf(conn *fakeConn) []string {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	var statuses []string
	for _, raw := range conn.frames {
		var frame synchub.SaveStatusMessage
		if err := json.Unmarshal(raw, &frame); err == nil && frame.Type == synchub.TypeSaveStatus {
			statuses = append(statuses, frame.Status)
		}
	}
	return statuses
}
