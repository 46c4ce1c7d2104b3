package status

import (
	"errors"
	"testing"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		wantErr string
	}{
		{Processing, Complete, ""},
		{Processing, Error, ""},
		{Processing, Processing, "INVALID_TRANSITION"},
		{Complete, Error, "INVALID_TRANSITION"},
		{Complete, Processing, "INVALID_TRANSITION"},
		{Error, Complete, "INVALID_TRANSITION"},
		{Error, Processing, "INVALID_TRANSITION"},
		{Processing, Status("DONE"), "INVALID_STATUS"},
	}

	for _, tt := range tests {
		got, err := Transition(tt.from, tt.to)
		if tt.wantErr == "" {
			if err != nil {
				t.Errorf("Transition(%s, %s): неожиданная ошибка: %v", tt.from, tt.to, err)
			}
			if got != tt.to {
				t.Errorf("Transition(%s, %s) = %s", tt.from, tt.to, got)
			}
			continue
		}
		var te *TransitionError
		if !errors.As(err, &te) {
			t.Errorf("Transition(%s, %s): ожидалась *TransitionError, получено %v", tt.from, tt.to, err)
			continue
		}
		if te.Code != tt.wantErr {
			t.Errorf("Transition(%s, %s): код %q, ожидается %q", tt.from, tt.to, te.Code, tt.wantErr)
		}
		if got != tt.from {
			t.Errorf("при ошибке статус должен остаться %s, получено %s", tt.from, got)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if Processing.IsTerminal() {
		t.Error("PROCESSING не должен быть конечным")
	}
	if !Complete.IsTerminal() || !Error.IsTerminal() {
		t.Error("COMPLETE и ERROR должны быть конечными")
	}
}

func TestParse(t *testing.T) {
	for _, s := range []string{"PROCESSING", "COMPLETE", "ERROR"} {
		if _, err := Parse(s); err != nil {
			t.Errorf("Parse(%q): неожиданная ошибка: %v", s, err)
		}
	}
	for _, s := range []string{"", "complete", "DONE"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q): ожидалась ошибка", s)
		}
	}
}
