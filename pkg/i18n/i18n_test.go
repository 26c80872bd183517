package i18n

import (
	"reflect"
	"testing"
)

func TestFor_FallsBackToArabic(t *testing.T) {
	if got := For("fr").Lang; got != Arabic {
		t.Fatalf("For(fr).Lang = %q, want %q", got, Arabic)
	}
	if got := For("EN").Lang; got != English {
		t.Fatalf("For(EN).Lang = %q, want %q", got, English)
	}
}

func TestCatalogs_Complete(t *testing.T) {
	for _, lang := range Supported() {
		c := For(lang)
		v := reflect.ValueOf(c)
		for i := 0; i < v.NumField(); i++ {
			f := v.Field(i)
			if f.Kind() == reflect.String && f.String() == "" {
				t.Errorf("%s: %s is empty", lang, v.Type().Field(i).Name)
			}
		}
	}
}
