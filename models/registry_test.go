package models

import (
	"regexp"
	"strings"
	"testing"
)

var sha256Hex = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Каталог статический, поэтому его инварианты проверяются тестом, а не в
// рантайме: битая запись должна ломать сборку CI, а не скачивание у
// пользователя.
func TestRegistryEntriesAreWellFormed(t *testing.T) {
	seen := make(map[string]bool)
	for _, info := range Registry {
		if info.ID == "" || info.Name == "" {
			t.Errorf("entry %+v: id and name are required", info)
		}
		if seen[info.ID] {
			t.Errorf("duplicate model id: %s", info.ID)
		}
		seen[info.ID] = true

		if !strings.HasPrefix(info.DownloadURL, "https://") {
			t.Errorf("%s: download url must be https: %s", info.ID, info.DownloadURL)
		}
		for _, name := range []string{info.Filename, info.DecoderFilename, info.TokensFilename} {
			if strings.ContainsAny(name, "/\\") {
				t.Errorf("%s: filename must not contain path separators: %s", info.ID, name)
			}
		}
		// Заполненная контрольная сумма обязана быть настоящим sha256-хексом:
		// с любым другим значением модель никогда не пройдёт проверку
		// целостности и не установится.
		if info.SHA256 != "" && !sha256Hex.MatchString(info.SHA256) {
			t.Errorf("%s: malformed sha256: %q", info.ID, info.SHA256)
		}

		if info.Family == FamilySpeech {
			if info.DecoderURL == "" || info.DecoderFilename == "" {
				t.Errorf("%s: speech model needs a decoder file", info.ID)
			}
			if info.TokensURL == "" || info.TokensFilename == "" {
				t.Errorf("%s: speech model needs a tokens file", info.ID)
			}
		}
	}
}

func TestRegistryRecommendedModels(t *testing.T) {
	for _, family := range []ModelFamily{FamilyTextGen, FamilySpeech} {
		rec := GetRecommendedModel(family)
		if rec == nil {
			t.Fatalf("no model for family %s", family)
		}
		if rec.Family != family {
			t.Fatalf("recommended model %s belongs to %s, want %s", rec.ID, rec.Family, family)
		}
	}
}
