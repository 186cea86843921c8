package bitrix

import (
	"encoding/json"
	"testing"
)

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"string", "hello", "hello"},
		{"empty string", "", ""},
		{"json number", json.Number("1500.00"), "1500.00"},
		{"float", 25000.0, "25000"},
		{"float fraction", 0.25, "0.25"},
		{"int", 3, "3"},
		{"bool", true, "true"},
		{"list", []any{"a", json.Number("1")}, `["a",1]`},
		{"object", map[string]any{"VALUE": "x"}, `{"VALUE":"x"}`},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatValue(tt.in); got != tt.want {
				t.Errorf("FormatValue() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEntity_Int(t *testing.T) {
	e := Entity{
		"A": "5",
		"B": json.Number("6"),
		"C": "",
		"D": "0",
		"E": "abc",
		"F": nil,
	}

	tests := []struct {
		field  string
		want   int64
		wantOK bool
	}{
		{"A", 5, true},
		{"B", 6, true},
		{"C", 0, false},
		{"D", 0, false},
		{"E", 0, false},
		{"F", 0, false},
		{"missing", 0, false},
	}
	for _, tt := range tests {
		got, ok := e.Int(tt.field)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("Int(%s) = %d, %v, want %d, %v", tt.field, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestUserDisplayName(t *testing.T) {
	tests := []struct {
		name string
		user Entity
		want string
	}{
		{"both", Entity{"NAME": "Anna", "LAST_NAME": "Ivanova"}, "Anna Ivanova"},
		{"name only", Entity{"NAME": " Anna "}, "Anna"},
		{"last only", Entity{"LAST_NAME": "Ivanova", "NAME": ""}, "Ivanova"},
		{"blank", Entity{"NAME": "  ", "LAST_NAME": ""}, ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UserDisplayName(tt.user); got != tt.want {
				t.Errorf("UserDisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDomainFromWebhookURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://Example.Bitrix24.ru/rest/1/abc/", "example.bitrix24.ru", false},
		{"https://portal.example.com:8443/rest/1/abc/", "portal.example.com", false},
		{" https://a.bitrix24.kz/rest/9/x ", "a.bitrix24.kz", false},
		{"not a url", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := DomainFromWebhookURL(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("DomainFromWebhookURL(%q) = %q, %v, want %q", tt.in, got, err, tt.want)
		}
	}
}
