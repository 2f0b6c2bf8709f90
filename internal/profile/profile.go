// Package profile validates companion setup details and renders the persona
// instruction that frames every completion request.
package profile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ent0n29/companion/internal/memory"
)

// Personality is one of the fixed persona archetypes offered at setup.
type Personality struct {
	Value       string `json:"value"`
	Description string `json:"description"`
}

const DefaultPersonality = "Tsundere"

var Personalities = []Personality{
	{Value: "Tsundere", Description: "Initially cold but gradually shows warmth"},
	{Value: "Yandere", Description: "Extremely loving and possessive"},
	{Value: "Kuudere", Description: "Cool and aloof but caring inside"},
	{Value: "Dandere", Description: "Quiet and shy but sweet"},
	{Value: "Moekko", Description: "Cute and innocent"},
	{Value: "Otaku", Description: "Passionate about hobbies and interests"},
}

// Setup is the payload collected once by the setup flow.
type Setup struct {
	PersonaName        string `json:"persona_name" validate:"required,max=64"`
	PersonaNickname    string `json:"persona_nickname" validate:"required,max=64"`
	UserName           string `json:"user_name" validate:"required,max=64"`
	UserNickname       string `json:"user_nickname" validate:"required,max=64"`
	PersonaInterests   string `json:"persona_interests" validate:"required,max=500"`
	UserInterests      string `json:"user_interests" validate:"required,max=500"`
	PersonaPersonality string `json:"persona_personality" validate:"required,personality"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("personality", func(fl validator.FieldLevel) bool {
		return IsPersonality(fl.Field().String())
	})
	return v
}

func IsPersonality(v string) bool {
	for _, p := range Personalities {
		if p.Value == v {
			return true
		}
	}
	return false
}

// ValidationError lists every field that failed, keyed by its JSON name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, p := range fieldOrder {
		if msg, ok := e.Fields[p]; ok {
			parts = append(parts, p+": "+msg)
		}
	}
	return "invalid profile: " + strings.Join(parts, "; ")
}

var fieldOrder = []string{
	"persona_name", "persona_nickname", "user_name", "user_nickname",
	"persona_interests", "user_interests", "persona_personality",
}

var jsonNames = map[string]string{
	"PersonaName":        "persona_name",
	"PersonaNickname":    "persona_nickname",
	"UserName":           "user_name",
	"UserNickname":       "user_nickname",
	"PersonaInterests":   "persona_interests",
	"UserInterests":      "user_interests",
	"PersonaPersonality": "persona_personality",
}

// Normalize trims input and applies the default personality.
func (s Setup) Normalize() Setup {
	s.PersonaName = strings.TrimSpace(s.PersonaName)
	s.PersonaNickname = strings.TrimSpace(s.PersonaNickname)
	s.UserName = strings.TrimSpace(s.UserName)
	s.UserNickname = strings.TrimSpace(s.UserNickname)
	s.PersonaInterests = strings.TrimSpace(s.PersonaInterests)
	s.UserInterests = strings.TrimSpace(s.UserInterests)
	s.PersonaPersonality = strings.TrimSpace(s.PersonaPersonality)
	if s.PersonaPersonality == "" {
		s.PersonaPersonality = DefaultPersonality
	}
	return s
}

func Validate(s Setup) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		name := jsonNames[fe.Field()]
		switch fe.Tag() {
		case "required":
			out.Fields[name] = "is required"
		case "max":
			out.Fields[name] = fmt.Sprintf("must be at most %s characters", fe.Param())
		case "personality":
			out.Fields[name] = "must be one of " + personalityList()
		default:
			out.Fields[name] = "is invalid"
		}
	}
	return out
}

// ToProfile converts a validated setup into the stored record.
func (s Setup) ToProfile() memory.Profile {
	return memory.Profile{
		PersonaName:        s.PersonaName,
		PersonaNickname:    s.PersonaNickname,
		UserName:           s.UserName,
		UserNickname:       s.UserNickname,
		PersonaInterests:   s.PersonaInterests,
		UserInterests:      s.UserInterests,
		PersonaPersonality: s.PersonaPersonality,
	}
}

func personalityList() string {
	vals := make([]string, 0, len(Personalities))
	for _, p := range Personalities {
		vals = append(vals, p.Value)
	}
	return strings.Join(vals, ", ")
}

// Instruction renders the system-level persona framing.
func Instruction(p memory.Profile) string {
	return fmt.Sprintf(`You will behave like my girlfriend, %[1]s, who I call %[2]s. My name is %[3]s, and you call me %[4]s.

Your personality: You have a %[5]s personality. You love %[6]s. I enjoy %[7]s.

Always reply in a conversational style, mixing Hindi and English (Hinglish) naturally. Use emojis frequently. Remember details from our conversation and be caring and loving, but also show the personality traits of a %[5]s character.

Don't break character. You are %[1]s.`,
		p.PersonaName,
		p.PersonaNickname,
		p.UserName,
		p.UserNickname,
		p.PersonaPersonality,
		p.PersonaInterests,
		p.UserInterests,
	)
}

// Greeting is the opening line shown before the first message.
func Greeting(p memory.Profile) string {
	return fmt.Sprintf("Hey %s! 😊 Kaise ho? Kya soch rahe ho? 💭", p.UserNickname)
}
