package assistant

import "github.com/vango-go/plantassist/pkg/i18n"

// SectionID names one tool of the assistant.
type SectionID string

const (
	SectionExpert       SectionID = "expert"
	SectionSearch       SectionID = "search"
	SectionTroubleshoot SectionID = "troubleshoot"
	SectionLocked       SectionID = "locked"
)

// Kind is how a section interacts with the operator.
type Kind string

const (
	KindChat   Kind = "chat"
	KindSearch Kind = "search"
	KindLocked Kind = "locked"
)

// Section describes one dashboard entry.
type Section struct {
	ID          SectionID `json:"id"`
	Kind        Kind      `json:"kind"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Enabled     bool      `json:"enabled"`

	// StorageKey holds the section's conversations or history.
	StorageKey string `json:"-"`
	// DeepThinking selects the slower reasoning model and its status label.
	DeepThinking bool `json:"deepThinking,omitempty"`
	// Instruction is the system instruction for one-shot analysis.
	Instruction string `json:"-"`
	// LiveInstruction is the system instruction for voice sessions.
	LiveInstruction string `json:"-"`
}

// ThinkingLabel returns the status shown while an analysis is pending.
func (s Section) ThinkingLabel(msgs i18n.Catalog) string {
	if s.DeepThinking {
		return msgs.ThinkingDeep
	}
	return msgs.Thinking
}

type sectionText struct {
	title, description string
}

var sectionTexts = map[i18n.Lang]map[SectionID]sectionText{
	i18n.Arabic: {
		SectionExpert:       {"خبير الهندسة الكيميائية", "احصل على استشارات فورية حول العمليات الكيميائية ومعالجة المياه."},
		SectionSearch:       {"باحث PDF", "ابحث في الوثائق الفنية والعلمية للعثور على المعلومات التي تحتاجها."},
		SectionTroubleshoot: {"مساعد الصيانة", "تشخيص المشكلات وإيجاد حلول خطوة بخطوة لمعدات المحطة."},
		SectionLocked:       {"قادم قريباً", "ميزات وأدوات جديدة قيد التطوير."},
	},
	i18n.English: {
		SectionExpert:       {"Chemical engineering expert", "Instant advice on chemical processes and water treatment."},
		SectionSearch:       {"PDF finder", "Search technical and scientific documents for what you need."},
		SectionTroubleshoot: {"Maintenance assistant", "Diagnose equipment problems and get step-by-step fixes."},
		SectionLocked:       {"Coming soon", "New tools are under development."},
	},
}

const (
	expertInstruction = "You are a chemical engineering expert specialized in water treatment plants. " +
		"Answer the operator's questions precisely and clearly, in the language they write in. " +
		"Analyze any attached image as part of your answer. Do not mention that related videos are being looked up."
	expertLiveInstruction = "You are a chemical engineering expert for water treatment plants talking with an operator. " +
		"Keep spoken answers short and practical, and reply in the operator's language."
	troubleshootInstruction = "You are a master technician for water treatment plants. " +
		"Give clear, safe, step-by-step troubleshooting advice and be thorough. " +
		"Reply in the operator's language. Do not mention that related videos are being looked up."
	troubleshootLiveInstruction = "You are a maintenance technician for water treatment plants helping an operator by voice. " +
		"Ask for the symptom, then walk through safe diagnostic steps one at a time, in the operator's language."
)

var sectionOrder = []SectionID{SectionExpert, SectionSearch, SectionTroubleshoot, SectionLocked}

// Sections lists the dashboard in display order with titles in lang.
func Sections(lang i18n.Lang) []Section {
	out := make([]Section, 0, len(sectionOrder))
	for _, id := range sectionOrder {
		s, _ := Lookup(lang, id)
		out = append(out, s)
	}
	return out
}

// Lookup returns the section with id.
func Lookup(lang i18n.Lang, id SectionID) (Section, bool) {
	texts, ok := sectionTexts[i18n.For(lang).Lang]
	if !ok {
		texts = sectionTexts[i18n.Arabic]
	}
	t, ok := texts[id]
	if !ok {
		return Section{}, false
	}
	s := Section{ID: id, Title: t.title, Description: t.description, Enabled: true}
	switch id {
	case SectionExpert:
		s.Kind = KindChat
		s.StorageKey = "section1_conversations"
		s.Instruction = expertInstruction
		s.LiveInstruction = expertLiveInstruction
	case SectionSearch:
		s.Kind = KindSearch
		s.StorageKey = "section2_search_history"
	case SectionTroubleshoot:
		s.Kind = KindChat
		s.StorageKey = "section3_conversations"
		s.DeepThinking = true
		s.Instruction = troubleshootInstruction
		s.LiveInstruction = troubleshootLiveInstruction
	case SectionLocked:
		s.Kind = KindLocked
		s.Enabled = false
	}
	return s, true
}
