// Package i18n holds the user-facing strings of the assistant.
//
// Arabic is the default language; English is provided for operators who run
// the terminal client or server outside an Arabic-speaking plant.
package i18n

import "strings"

// Lang is a BCP 47 primary language subtag.
type Lang string

const (
	Arabic  Lang = "ar"
	English Lang = "en"
)

// Catalog is the set of fixed phrases the components surface to the user.
type Catalog struct {
	Lang Lang

	NewConversationTitle string
	ImageOnlyText        string
	ImageAnalysisPrompt  string
	ImageUploadFailed    string
	AnalysisFailed       string

	MicUnavailable  string
	ConnectionError string

	SearchFailed  string
	ParseFallback string

	Thinking     string
	ThinkingDeep string
	DeleteAsk    string
	Locked       string
}

var catalogs = map[Lang]Catalog{
	Arabic: {
		Lang:                 Arabic,
		NewConversationTitle: "محادثة جديدة",
		ImageOnlyText:        "لقد أرفقت صورة، الرجاء تحليلها.",
		ImageAnalysisPrompt:  "حلل الصورة المرفقة وقدم نصيحة كيميائية ذات صلة بمحطة معالجة المياه.",
		ImageUploadFailed:    "عذراً، فشل تحميل الصورة. يرجى المحاولة مرة أخرى.",
		AnalysisFailed:       "عذراً، حدث خطأ أثناء تحليل طلبك.",
		MicUnavailable:       "لم نتمكن من الوصول إلى الميكروفون. يرجى التحقق من الأذونات.",
		ConnectionError:      "حدث خطأ في الاتصال.",
		SearchFailed:         "حدث خطأ أثناء البحث. يرجى المحاولة مرة أخرى.",
		ParseFallback:        "تعذر تحليل استجابة النموذج، يتم عرض النص الخام",
		Thinking:             "يفكر...",
		ThinkingDeep:         "يفكر بعمق...",
		DeleteAsk:            "هل أنت متأكد من حذف هذه المحادثة؟",
		Locked:               "هذا القسم مخصص للتحديثات المستقبلية.",
	},
	English: {
		Lang:                 English,
		NewConversationTitle: "New conversation",
		ImageOnlyText:        "I attached an image, please analyze it.",
		ImageAnalysisPrompt:  "Analyze the attached image and give chemical advice relevant to a water treatment plant.",
		ImageUploadFailed:    "Sorry, the image could not be uploaded. Please try again.",
		AnalysisFailed:       "Sorry, something went wrong while analyzing your request.",
		MicUnavailable:       "Could not access the microphone. Please check permissions.",
		ConnectionError:      "A connection error occurred.",
		SearchFailed:         "Something went wrong while searching. Please try again.",
		ParseFallback:        "Could not parse the model response, showing raw text",
		Thinking:             "Thinking...",
		ThinkingDeep:         "Thinking deeply...",
		DeleteAsk:            "Delete this conversation?",
		Locked:               "This section is reserved for future updates.",
	},
}

// For returns the catalog for lang, falling back to Arabic.
func For(lang Lang) Catalog {
	if c, ok := catalogs[Lang(strings.ToLower(string(lang)))]; ok {
		return c
	}
	return catalogs[Arabic]
}

// Default returns the Arabic catalog.
func Default() Catalog {
	return catalogs[Arabic]
}

// Supported lists the languages with a catalog.
func Supported() []Lang {
	return []Lang{Arabic, English}
}
