// Package content holds all participant-facing copy: message templates,
// the ordered daily quote list, the midday presence notes and the
// timezone picker options. Everything is embedded so a deployment is a
// single binary.
package content

import (
	"encoding/json"
	"fmt"
	"strings"

	_ "embed"

	"github.com/BTreeMap/CheckinPipe/internal/clock"
)

//go:embed copy.json
var copyJSON []byte

//go:embed quotes.json
var quotesJSON []byte

//go:embed presence.json
var presenceJSON []byte

// MissingQuote is shown when a day number falls outside the quote list.
const MissingQuote = "—"

// TimezoneOption is one entry in the timezone picker. An empty Zone marks
// the "other" escape hatch that opens the extended list.
type TimezoneOption struct {
	Label string `json:"label"`
	Zone  string `json:"zone"`
}

// Copy is the full message catalog.
type Copy struct {
	Morning struct {
		Base            string `json:"base"`
		LastDay         string `json:"last_day"`
		YesterdayMissed string `json:"yesterday_missed"`
		Halfway         string `json:"halfway"`
		QuoteMessage    string `json:"quote_message"`
	} `json:"morning"`
	Evening struct {
		Prompt       string `json:"prompt"`
		Reminder     string `json:"reminder"`
		RepeatPrompt string `json:"repeat_prompt"`
		Accepted     string `json:"accepted"`
	} `json:"evening"`
	Final struct {
		Title            string `json:"title"`
		Stats            string `json:"stats"`
		Reflection       string `json:"reflection"`
		ReflectionInvite string `json:"reflection_invite"`
		Closing          string `json:"closing"`
		Contacts         string `json:"contacts"`
	} `json:"final"`
	Onboarding struct {
		Screen1           string `json:"screen_1"`
		Screen2           string `json:"screen_2"`
		Screen3           string `json:"screen_3"`
		ReflectionConfirm string `json:"reflection_confirm"`
		ReflectionSaved   string `json:"reflection_saved"`
		Screen4           string `json:"screen_4"`
		TimezoneConfirm   string `json:"timezone_confirm"`
		Screen5           string `json:"screen_5"`
		MorningSaved      string `json:"morning_saved"`
		Screen6           string `json:"screen_6"`
		EveningSaved      string `json:"evening_saved"`
		Screen7           string `json:"screen_7"`
		FinishBase        string `json:"finish_base"`
		FinishBeforeStart string `json:"finish_before_start"`
		FinishDuring      string `json:"finish_during"`
		FinishApril       string `json:"finish_april"`
	} `json:"onboarding"`
	Errors struct {
		InvalidTime       string `json:"invalid_time"`
		ReflectionTooLong string `json:"reflection_too_long"`
		TimezoneUnknown   string `json:"timezone_unknown"`
		WrongInput        string `json:"wrong_input"`
	} `json:"errors"`
	Common struct {
		UnknownText          string `json:"unknown_text"`
		ModeActive           string `json:"mode_active"`
		ModePaused           string `json:"mode_paused"`
		OnboardingDoneStatus string `json:"onboarding_done_status"`
		RestartStarted       string `json:"restart_started"`
		ChooseTimeTarget     string `json:"choose_time_target"`
		PromptNewTime        string `json:"prompt_new_time"`
		ChangeTomorrow       string `json:"change_applies_tomorrow"`
		BackKeep             string `json:"back_keep"`
		PauseOn              string `json:"pause_on"`
		PauseOff             string `json:"pause_off"`
		PresenceReply        string `json:"presence_reply"`
		AlreadyFinished      string `json:"already_finished"`
		TestPick             string `json:"test_pick"`
	} `json:"common"`
	Admin struct {
		Forbidden              string `json:"forbidden"`
		Stats                  string `json:"stats"`
		MarksDistributionTitle string `json:"marks_distribution_title"`
		MarksDistributionLine  string `json:"marks_distribution_line"`
		MarksDistributionEmpty string `json:"marks_distribution_empty"`
		NudgeResult            string `json:"nudge_result"`
	} `json:"admin"`
	TestMode struct {
		Intro string `json:"intro"`
	} `json:"test_mode"`
	Buttons              map[string]string `json:"buttons"`
	TimezoneOptions      []TimezoneOption  `json:"timezone_options"`
	TimezoneOtherOptions []TimezoneOption  `json:"timezone_other_options"`
}

// Catalog bundles the copy with the indexed quote and presence lists.
type Catalog struct {
	Copy     Copy
	quotes   []string
	presence []string
}

// Load parses the embedded content files.
func Load() (*Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(copyJSON, &c.Copy); err != nil {
		return nil, fmt.Errorf("parse copy: %w", err)
	}
	if err := json.Unmarshal(quotesJSON, &c.quotes); err != nil {
		return nil, fmt.Errorf("parse quotes: %w", err)
	}
	if err := json.Unmarshal(presenceJSON, &c.presence); err != nil {
		return nil, fmt.Errorf("parse presence notes: %w", err)
	}
	return &c, nil
}

// Render substitutes {name} placeholders in a template.
func Render(template string, params map[string]string) string {
	out := template
	for name, value := range params {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	return out
}

// Quote returns the daily quote for a day number (1-based). Out-of-range
// day numbers yield the placeholder rather than an error.
func (c *Catalog) Quote(dayNumber int) string {
	idx := dayNumber - 1
	if idx < 0 || idx >= len(c.quotes) {
		return MissingQuote
	}
	return c.quotes[idx]
}

// Presence returns the midday presence note for a day number, or false
// when the day maps outside the list.
func (c *Catalog) Presence(dayNumber int) (string, bool) {
	idx := clock.PresenceIndex(dayNumber)
	if idx < 0 || idx >= len(c.presence) {
		return "", false
	}
	return c.presence[idx], true
}

// Button returns a button caption by key, empty when unknown.
func (c *Catalog) Button(key string) string {
	return c.Copy.Buttons[key]
}

// ResolveTimezone finds the option whose label matches, searching the
// primary list first and the extended list second.
func (c *Catalog) ResolveTimezone(label string) (TimezoneOption, bool) {
	for _, opt := range c.Copy.TimezoneOptions {
		if opt.Label == label && opt.Zone != "" {
			return opt, true
		}
	}
	for _, opt := range c.Copy.TimezoneOtherOptions {
		if opt.Label == label {
			return opt, true
		}
	}
	return TimezoneOption{}, false
}
