package protocol

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// FieldType enumerates the supported form field kinds.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldSelect   FieldType = "select"
	FieldNumber   FieldType = "number"
	FieldCheckbox FieldType = "checkbox"
	FieldDate     FieldType = "date"
	FieldFile     FieldType = "file"
)

// FieldOption is one choice of a select field.
type FieldOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// ValidationRule is a client-side validation hint.
type ValidationRule struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// DataSource configures an async select field.
type DataSource struct {
	Provider   string `json:"provider"`
	MinChars   int    `json:"minChars,omitempty"`
	DebounceMs int    `json:"debounceMs,omitempty"`
	PageSize   int    `json:"pageSize,omitempty"`
}

// Field is one input of a form. Select fields carry either static Options
// or Async with a DataSource. Value prefills the field.
type Field struct {
	Type        FieldType        `json:"type"`
	Key         string           `json:"key"`
	Label       string           `json:"label"`
	Required    bool             `json:"required,omitempty"`
	Placeholder string           `json:"placeholder,omitempty"`
	Value       any              `json:"value,omitempty"`
	Validation  []ValidationRule `json:"validation,omitempty"`
	Options     []FieldOption    `json:"options,omitempty"`
	Async       bool             `json:"async,omitempty"`
	DataSource  *DataSource      `json:"dataSource,omitempty"`
}

// Form is a structured request for human input. Its reply resumes the
// suspended session that raised it.
type Form struct {
	ID     string  `json:"id"`
	Title  string  `json:"title,omitempty"`
	Fields []Field `json:"fields"`
}

// NewForm builds a form with a fresh id.
func NewForm(title string, fields ...Field) *Form {
	return &Form{ID: uuid.New().String(), Title: title, Fields: fields}
}

// ReviewActionKey and ReviewCommentsKey are the field keys of the default
// review form.
const (
	ReviewActionKey   = "action"
	ReviewCommentsKey = "comments"
)

// Review decisions offered by the default review form.
const (
	ReviewApprove = "approve"
	ReviewRetry   = "retry"
	ReviewSkip    = "skip"
	ReviewAbort   = "abort"
)

// DefaultReviewForm is the form raised when a failed step needs a human
// decision and the workflow declares no custom one.
func DefaultReviewForm(title string) *Form {
	if title == "" {
		title = "Review required"
	}
	return NewForm(title,
		Field{
			Type:     FieldSelect,
			Key:      ReviewActionKey,
			Label:    "Action",
			Required: true,
			Options: []FieldOption{
				{Value: ReviewApprove, Label: "Approve"},
				{Value: ReviewRetry, Label: "Retry"},
				{Value: ReviewSkip, Label: "Skip this step"},
				{Value: ReviewAbort, Label: "Abort"},
			},
		},
		Field{
			Type:        FieldText,
			Key:         ReviewCommentsKey,
			Label:       "Comments",
			Placeholder: "Optional notes",
		},
	)
}

// Validate checks the structural validity of a form specification.
func (f *Form) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("form id is required")
	}
	if len(f.Fields) == 0 {
		return fmt.Errorf("form %s has no fields", f.ID)
	}
	seen := make(map[string]bool, len(f.Fields))
	for i := range f.Fields {
		field := &f.Fields[i]
		if field.Key == "" {
			return fmt.Errorf("form %s: field %d has no key", f.ID, i)
		}
		if seen[field.Key] {
			return fmt.Errorf("form %s: duplicate field key %q", f.ID, field.Key)
		}
		seen[field.Key] = true

		switch field.Type {
		case FieldText, FieldNumber, FieldCheckbox, FieldDate, FieldFile:
		case FieldSelect:
			if field.Async {
				if field.DataSource == nil || field.DataSource.Provider == "" {
					return fmt.Errorf("form %s: async select %q needs a dataSource provider", f.ID, field.Key)
				}
			} else if len(field.Options) == 0 {
				return fmt.Errorf("form %s: select %q has no options", f.ID, field.Key)
			}
		default:
			return fmt.Errorf("form %s: field %q has unknown type %q", f.ID, field.Key, field.Type)
		}
	}
	return nil
}

// ValidateReply checks submitted values against the form. Unknown keys are
// rejected; static select values must match an option; number fields must
// parse. Async selects accept any non-empty value since their option space
// is open.
func (f *Form) ValidateReply(values map[string]any) error {
	fields := make(map[string]*Field, len(f.Fields))
	for i := range f.Fields {
		fields[f.Fields[i].Key] = &f.Fields[i]
	}

	for key := range values {
		if _, ok := fields[key]; !ok {
			return fmt.Errorf("unknown field %q", key)
		}
	}

	for key, field := range fields {
		value, present := values[key]
		if !present || value == nil || value == "" {
			if field.Required {
				return fmt.Errorf("field %q is required", key)
			}
			continue
		}

		switch field.Type {
		case FieldSelect:
			if field.Async {
				continue
			}
			str := fmt.Sprintf("%v", value)
			found := false
			for _, opt := range field.Options {
				if opt.Value == str {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("field %q: %q is not an option", key, str)
			}
		case FieldNumber:
			switch v := value.(type) {
			case float64, int, int64:
			case string:
				if _, err := strconv.ParseFloat(v, 64); err != nil {
					return fmt.Errorf("field %q: %q is not a number", key, v)
				}
			default:
				return fmt.Errorf("field %q: unexpected value type %T", key, v)
			}
		case FieldCheckbox:
			if _, ok := value.(bool); !ok {
				return fmt.Errorf("field %q: expected boolean", key)
			}
		}
	}
	return nil
}

// StringValue returns the submitted value for key rendered as a string.
func (r *FormReply) StringValue(key string) string {
	if r.Values == nil {
		return ""
	}
	v, ok := r.Values[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
