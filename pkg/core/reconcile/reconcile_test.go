package reconcile

import (
	"reflect"
	"testing"
)

func transcriptTexts(r *Reconciler) []string {
	entries := r.Transcript()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Text
	}
	return out
}

func TestTranscript_SpeakerTags(t *testing.T) {
	r := New(Config{})
	r.Apply(TopicTranscript, []byte("USER:hello there"))
	r.Apply(TopicTranscript, []byte("AGENT:hi, how can I help?"))
	r.Apply(TopicTranscript, []byte("BOT:legacy tagged reply"))
	r.Apply(TopicTranscript, []byte("untagged line"))

	entries := r.Transcript()
	if len(entries) != 4 {
		t.Fatalf("len = %d, want 4", len(entries))
	}
	wantSpeakers := []Speaker{SpeakerLocal, SpeakerRemote, SpeakerRemote, SpeakerRemote}
	for i, want := range wantSpeakers {
		if entries[i].Speaker != want {
			t.Errorf("entry %d speaker = %s, want %s", i, entries[i].Speaker, want)
		}
	}
	if entries[0].Text != "hello there" {
		t.Errorf("entry 0 text = %q", entries[0].Text)
	}
}

func TestTranscript_AdjacentDuplicateSuppressed(t *testing.T) {
	r := New(Config{})
	r.Apply(TopicTranscript, []byte("USER:same thing"))
	r.Apply(TopicTranscript, []byte("USER:same thing"))

	if got := len(r.Transcript()); got != 1 {
		t.Fatalf("len = %d, want 1", got)
	}
}

func TestTranscript_HistoricalDuplicateSuppressed(t *testing.T) {
	r := New(Config{})
	r.Apply(TopicTranscript, []byte("USER:first"))
	r.Apply(TopicTranscript, []byte("AGENT:second"))
	r.Apply(TopicTranscript, []byte("AGENT:third"))
	// Re-delivery after a reconnect: same normalized text, different tag.
	r.Apply(TopicTranscript, []byte("USER:  first  "))
	r.Apply(TopicTranscript, []byte("BOT:second"))

	got := transcriptTexts(r)
	want := []string{"first", "second", "third"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("transcript = %v, want %v", got, want)
	}
}

func TestTranscript_WindowedDedupReadmitsOldEntries(t *testing.T) {
	r := New(Config{DedupWindow: 2})
	r.Apply(TopicTranscript, []byte("USER:alpha"))
	r.Apply(TopicTranscript, []byte("AGENT:beta"))
	r.Apply(TopicTranscript, []byte("USER:gamma"))
	// alpha has left the 2-entry window and may legitimately repeat.
	r.Apply(TopicTranscript, []byte("USER:alpha"))

	got := transcriptTexts(r)
	want := []string{"alpha", "beta", "gamma", "alpha"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("transcript = %v, want %v", got, want)
	}
}

func TestTranscript_EmptyPayloadIgnored(t *testing.T) {
	r := New(Config{})
	r.Apply(TopicTranscript, []byte("USER:   "))
	r.Apply(TopicTranscript, []byte(""))
	if got := len(r.Transcript()); got != 0 {
		t.Fatalf("len = %d, want 0", got)
	}
}

func TestCitations_MergeDedupsAndPreservesOrder(t *testing.T) {
	r := New(Config{})
	r.Apply(TopicCitations, []byte(`{"sources":["a.pdf","b.pdf"]}`))
	r.Apply(TopicCitations, []byte(`{"sources":["b.pdf","c.pdf"]}`))
	r.Apply(TopicCitations, []byte(`{"sources":["d.pdf"]}`))

	got := r.Citations()
	want := []string{"a.pdf", "b.pdf", "c.pdf", "d.pdf"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("citations = %v, want %v", got, want)
	}
}

func TestCitations_BoundEvictsOldestFirst(t *testing.T) {
	r := New(Config{})
	r.Apply(TopicCitations, []byte(`{"sources":["a","b","c","d","e","f","g","h","i"]}`))

	got := r.Citations()
	want := []string{"b", "c", "d", "e", "f", "g", "h", "i"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("citations = %v, want %v", got, want)
	}
}

func TestCitations_MalformedPayloadLeavesSetUnchanged(t *testing.T) {
	r := New(Config{})
	r.Apply(TopicCitations, []byte(`{"sources":["kept.pdf"]}`))

	cases := [][]byte{
		[]byte(`not json at all`),
		[]byte(`{"documents":["x"]}`),
		[]byte(`{"sources":"not-a-list"}`),
		[]byte(`{"sources":[1,2,3]}`),
		[]byte(`[]`),
	}
	for _, payload := range cases {
		r.Apply(TopicCitations, payload)
	}

	got := r.Citations()
	if !reflect.DeepEqual(got, []string{"kept.pdf"}) {
		t.Fatalf("citations = %v, want [kept.pdf]", got)
	}
}

func TestCitations_BlankSourcesSkipped(t *testing.T) {
	r := New(Config{})
	r.Apply(TopicCitations, []byte(`{"sources":["", "  ", "real.pdf"]}`))
	got := r.Citations()
	if !reflect.DeepEqual(got, []string{"real.pdf"}) {
		t.Fatalf("citations = %v, want [real.pdf]", got)
	}
}

func TestApply_UnknownTopicIgnored(t *testing.T) {
	r := New(Config{})
	r.Apply("metrics", []byte("whatever"))
	if len(r.Transcript()) != 0 || len(r.Citations()) != 0 {
		t.Fatal("unknown topic must not mutate state")
	}
}

func TestApply_AfterCloseIsNoOp(t *testing.T) {
	r := New(Config{})
	r.Apply(TopicTranscript, []byte("USER:before"))
	r.Close()
	r.Close() // idempotent
	r.Apply(TopicTranscript, []byte("USER:after"))
	r.Apply(TopicCitations, []byte(`{"sources":["late.pdf"]}`))

	if got := transcriptTexts(r); !reflect.DeepEqual(got, []string{"before"}) {
		t.Fatalf("transcript = %v, want [before]", got)
	}
	if got := r.Citations(); len(got) != 0 {
		t.Fatalf("citations = %v, want empty", got)
	}
}
