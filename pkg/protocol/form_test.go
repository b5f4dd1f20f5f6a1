package protocol

import "testing"

func poForm() *Form {
	return &Form{
		ID:    "F1",
		Title: "Create purchase order",
		Fields: []Field{
			{
				Type: FieldSelect, Key: "supplier", Label: "Supplier", Required: true,
				Async:      true,
				DataSource: &DataSource{Provider: "supplier_search", MinChars: 2, DebounceMs: 250, PageSize: 10},
			},
			{Type: FieldText, Key: "amount", Label: "Amount", Required: true},
			{Type: FieldCheckbox, Key: "urgent", Label: "Urgent"},
			{
				Type: FieldSelect, Key: "currency", Label: "Currency",
				Options: []FieldOption{{Value: "EUR", Label: "Euro"}, {Value: "USD", Label: "US Dollar"}},
			},
			{Type: FieldNumber, Key: "quantity", Label: "Quantity"},
		},
	}
}

func TestForm_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Form)
		wantErr bool
	}{
		{"valid form", func(f *Form) {}, false},
		{"missing id", func(f *Form) { f.ID = "" }, true},
		{"no fields", func(f *Form) { f.Fields = nil }, true},
		{"field without key", func(f *Form) { f.Fields[1].Key = "" }, true},
		{"duplicate keys", func(f *Form) { f.Fields[1].Key = "supplier" }, true},
		{"static select without options", func(f *Form) { f.Fields[3].Options = nil }, true},
		{"async select without provider", func(f *Form) { f.Fields[0].DataSource = nil }, true},
		{"unknown field type", func(f *Form) { f.Fields[1].Type = "slider" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := poForm()
			tt.mutate(form)
			err := form.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestForm_ValidateReply(t *testing.T) {
	tests := []struct {
		name    string
		values  map[string]any
		wantErr bool
	}{
		{
			name:   "complete reply",
			values: map[string]any{"supplier": "S1", "amount": "1000", "currency": "EUR", "urgent": true, "quantity": 3.0},
		},
		{
			name:   "optional fields omitted",
			values: map[string]any{"supplier": "S1", "amount": "1000"},
		},
		{
			name:    "missing required field",
			values:  map[string]any{"supplier": "S1"},
			wantErr: true,
		},
		{
			name:    "unknown key",
			values:  map[string]any{"supplier": "S1", "amount": "1", "color": "red"},
			wantErr: true,
		},
		{
			name:    "static select value outside options",
			values:  map[string]any{"supplier": "S1", "amount": "1", "currency": "GBP"},
			wantErr: true,
		},
		{
			name:   "async select accepts open values",
			values: map[string]any{"supplier": "anything-goes", "amount": "1"},
		},
		{
			name:    "number field with text",
			values:  map[string]any{"supplier": "S1", "amount": "1", "quantity": "many"},
			wantErr: true,
		},
		{
			name:   "number field with numeric string",
			values: map[string]any{"supplier": "S1", "amount": "1", "quantity": "12"},
		},
		{
			name:    "checkbox with non-boolean",
			values:  map[string]any{"supplier": "S1", "amount": "1", "urgent": "yes"},
			wantErr: true,
		},
	}

	form := poForm()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := form.ValidateReply(tt.values)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateReply() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultReviewForm(t *testing.T) {
	form := DefaultReviewForm("")
	if err := form.Validate(); err != nil {
		t.Fatalf("default review form invalid: %v", err)
	}
	if form.ID == "" {
		t.Error("default review form has no id")
	}

	if err := form.ValidateReply(map[string]any{ReviewActionKey: ReviewApprove}); err != nil {
		t.Errorf("approve reply rejected: %v", err)
	}
	if err := form.ValidateReply(map[string]any{ReviewActionKey: "escalate"}); err == nil {
		t.Error("unknown review action accepted")
	}
	if err := form.ValidateReply(map[string]any{ReviewCommentsKey: "no decision"}); err == nil {
		t.Error("reply without required action accepted")
	}
}
