package assistant

import (
	"testing"

	"github.com/vango-go/plantassist/pkg/i18n"
)

func TestSections(t *testing.T) {
	got := Sections(i18n.Arabic)
	want := []SectionID{SectionExpert, SectionSearch, SectionTroubleshoot, SectionLocked}
	if len(got) != len(want) {
		t.Fatalf("len = %d", len(got))
	}
	for i, s := range got {
		if s.ID != want[i] {
			t.Errorf("sections[%d] = %s, want %s", i, s.ID, want[i])
		}
		if s.Title == "" {
			t.Errorf("%s has no title", s.ID)
		}
	}
	if got[3].Enabled || got[3].Kind != KindLocked {
		t.Fatalf("locked section = %+v", got[3])
	}
}

func TestLookup(t *testing.T) {
	tests := []struct {
		id        SectionID
		kind      Kind
		key       string
		deep      bool
		hasPrompt bool
	}{
		{SectionExpert, KindChat, "section1_conversations", false, true},
		{SectionSearch, KindSearch, "section2_search_history", false, false},
		{SectionTroubleshoot, KindChat, "section3_conversations", true, true},
	}
	for _, tt := range tests {
		s, ok := Lookup(i18n.English, tt.id)
		if !ok {
			t.Fatalf("Lookup(%s) missing", tt.id)
		}
		if s.Kind != tt.kind || s.StorageKey != tt.key || s.DeepThinking != tt.deep || (s.Instruction != "") != tt.hasPrompt {
			t.Errorf("Lookup(%s) = %+v", tt.id, s)
		}
	}
	if _, ok := Lookup(i18n.English, "nope"); ok {
		t.Fatal("unknown section found")
	}
}

func TestLookup_LanguageFallback(t *testing.T) {
	s, _ := Lookup("fr", SectionExpert)
	ar, _ := Lookup(i18n.Arabic, SectionExpert)
	if s.Title != ar.Title {
		t.Fatalf("title = %q, want Arabic %q", s.Title, ar.Title)
	}
}

func TestThinkingLabel(t *testing.T) {
	msgs := i18n.For(i18n.English)
	expert, _ := Lookup(i18n.English, SectionExpert)
	trouble, _ := Lookup(i18n.English, SectionTroubleshoot)
	if expert.ThinkingLabel(msgs) != msgs.Thinking || trouble.ThinkingLabel(msgs) != msgs.ThinkingDeep {
		t.Fatal("wrong thinking labels")
	}
}
