// Copyright (c) 2025 ToeiRei
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

// package i18n provides the user-facing message catalogue for hostmove.
// It uses the go-i18n library to load the embedded YAML locale files, so
// summaries and CLI output can be shown in more than one language.
package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"strings"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// localeFS embeds the YAML translation files from the 'locales' directory
// into the application binary.
//
//go:embed locales/*.yaml
var localeFS embed.FS

var (
	bundle    *i18n.Bundle
	localizer *i18n.Localizer
	current   string
)

// Init loads every embedded locale and selects lang.
func Init(lang string) {
	bundle = i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("yaml", yaml.Unmarshal)

	files, _ := fs.ReadDir(localeFS, "locales")
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := localeFS.ReadFile("locales/" + f.Name())
		if err != nil {
			continue
		}
		_, _ = bundle.ParseMessageFileBytes(data, f.Name())
	}

	current = lang
	localizer = i18n.NewLocalizer(bundle, lang)
}

// GetLang returns the language selected by the last Init.
func GetLang() string {
	return current
}

// SetLang changes the active language of the localizer.
func SetLang(lang string) {
	Init(lang)
}

// Available returns the language tags that have an embedded locale file.
func Available() []string {
	files, _ := fs.ReadDir(localeFS, "locales")
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, strings.TrimSuffix(f.Name(), ".yaml"))
	}
	return out
}

// T translates messageID and, when args are given, formats the result with
// fmt verbs. Unknown IDs are returned verbatim.
func T(messageID string, args ...any) string {
	if localizer == nil {
		Init("en")
	}
	msg, err := localizer.Localize(&i18n.LocalizeConfig{MessageID: messageID})
	if err != nil {
		msg = messageID
	}
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}
