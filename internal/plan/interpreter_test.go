package plan

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func completion(t *testing.T, content any) []byte {
	t.Helper()
	var text string
	switch v := content.(type) {
	case string:
		text = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal content: %v", err)
		}
		text = string(encoded)
	}
	raw, err := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": text}},
		},
	})
	if err != nil {
		t.Fatalf("marshal completion: %v", err)
	}
	return raw
}

func usersOnly() map[string]struct{} {
	return map[string]struct{}{"users": {}}
}

func TestInterpretValidPlan(t *testing.T) {
	raw := completion(t, map[string]any{
		"steps": []map[string]any{
			{"query": "select name from users where status = ?", "bindings": []any{"active"}},
		},
		"summary": "Active users by name.",
	})

	p, err := Interpret(raw, usersOnly())
	if err != nil {
		t.Fatalf("Interpret() error = %v", err)
	}
	if len(p.Steps) != 1 {
		t.Fatalf("steps = %d, want 1", len(p.Steps))
	}
	if p.Steps[0].Query != "select name from users where status = ?" {
		t.Fatalf("query = %q", p.Steps[0].Query)
	}
	if !reflect.DeepEqual(p.Steps[0].Bindings, []any{"active"}) {
		t.Fatalf("bindings = %#v", p.Steps[0].Bindings)
	}
	if p.Summary != "Active users by name." {
		t.Fatalf("summary = %q", p.Summary)
	}
}

func TestInterpretAcceptsSelectVariants(t *testing.T) {
	queries := []string{
		"Select name from users",
		"SELECT /*x*/ name FROM users",
		"  select name\nfrom users",
		"SELECT name FROM Users AS u",
		"select name from `users`",
		`select name from "users"`,
		"select name from public.users",
		"select u.name from users u join users m on m.id = u.id",
		"select count(*) from (select id from users) t",
	}
	for _, query := range queries {
		raw := completion(t, map[string]any{"steps": []map[string]any{{"query": query}}})
		if _, err := Interpret(raw, usersOnly()); err != nil {
			t.Fatalf("Interpret(%q) error = %v", query, err)
		}
	}
}

func TestInterpretRejectsMutations(t *testing.T) {
	queries := []string{
		"delete from users",
		"DELETE FROM users",
		"update users set status = 'x'",
		"insert into users (name) values ('x')",
		"drop table users",
		"truncate users",
		"/* select */ delete from users",
		"selection from users",
		"select1 from users",
		"with x as (select 1) delete from users",
	}
	for _, query := range queries {
		raw := completion(t, map[string]any{"steps": []map[string]any{{"query": query}}})
		_, err := Interpret(raw, usersOnly())
		var unsafe *UnsafeQueryError
		if !errors.As(err, &unsafe) {
			t.Fatalf("Interpret(%q) error = %v, want UnsafeQueryError", query, err)
		}
		if unsafe.Step != 0 {
			t.Fatalf("Step = %d", unsafe.Step)
		}
	}
}

func TestInterpretRejectsUnknownTable(t *testing.T) {
	raw := completion(t, map[string]any{
		"steps": []map[string]any{{"query": "select * from secrets"}},
	})

	_, err := Interpret(raw, usersOnly())
	var unknown *UnknownTableError
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %v, want UnknownTableError", err)
	}
	if unknown.Table != "secrets" {
		t.Fatalf("Table = %q, want secrets", unknown.Table)
	}
}

func TestInterpretUnknownTableInJoin(t *testing.T) {
	raw := completion(t, map[string]any{
		"steps": []map[string]any{{"query": "select * from users join secrets on secrets.id = users.id"}},
	})
	_, err := Interpret(raw, usersOnly())
	var unknown *UnknownTableError
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %v, want UnknownTableError", err)
	}
	if unknown.Table != "secrets" {
		t.Fatalf("Table = %q", unknown.Table)
	}
}

func TestInterpretSkipsTableCheckWithoutKnownTables(t *testing.T) {
	raw := completion(t, map[string]any{
		"steps": []map[string]any{{"query": "select * from anything"}},
	})
	if _, err := Interpret(raw, nil); err != nil {
		t.Fatalf("Interpret() error = %v, want fail-open with empty allow-list", err)
	}
}

func TestInterpretMissingQuery(t *testing.T) {
	raw := completion(t, map[string]any{
		"steps": []map[string]any{
			{"query": "select 1 from users"},
			{"query": "   "},
		},
	})
	_, err := Interpret(raw, usersOnly())
	var missing *MissingQueryError
	if !errors.As(err, &missing) {
		t.Fatalf("error = %v, want MissingQueryError", err)
	}
	if missing.Step != 1 {
		t.Fatalf("Step = %d, want 1", missing.Step)
	}
}

func TestInterpretInvalidBindings(t *testing.T) {
	for _, bindings := range []any{"active", map[string]any{"a": 1}, []any{[]any{1}}, []any{map[string]any{"k": "v"}}} {
		raw := completion(t, map[string]any{
			"steps": []map[string]any{{"query": "select * from users", "bindings": bindings}},
		})
		_, err := Interpret(raw, usersOnly())
		var invalid *InvalidBindingsError
		if !errors.As(err, &invalid) {
			t.Fatalf("bindings %#v: error = %v, want InvalidBindingsError", bindings, err)
		}
	}
}

func TestInterpretScalarBindingsAllowed(t *testing.T) {
	raw := completion(t, map[string]any{
		"steps": []map[string]any{{"query": "select * from users", "bindings": []any{"a", 1, 2.5, true, nil}}},
	})
	p, err := Interpret(raw, usersOnly())
	if err != nil {
		t.Fatalf("Interpret() error = %v", err)
	}
	if len(p.Steps[0].Bindings) != 5 {
		t.Fatalf("bindings = %#v", p.Steps[0].Bindings)
	}
}

func TestInterpretRefusalPlan(t *testing.T) {
	raw := completion(t, map[string]any{
		"steps":   []any{},
		"summary": "I can only help with read-only queries.",
	})
	p, err := Interpret(raw, usersOnly())
	if err != nil {
		t.Fatalf("Interpret() error = %v", err)
	}
	if len(p.Steps) != 0 {
		t.Fatalf("steps = %d, want 0", len(p.Steps))
	}
	if p.Summary != "I can only help with read-only queries." {
		t.Fatalf("summary = %q", p.Summary)
	}
}

func TestInterpretEmptyPlan(t *testing.T) {
	raw := completion(t, map[string]any{"steps": []any{}})
	if _, err := Interpret(raw, usersOnly()); !errors.Is(err, ErrEmptyPlan) {
		t.Fatalf("error = %v, want ErrEmptyPlan", err)
	}
}

func TestInterpretMalformedContent(t *testing.T) {
	cases := [][]byte{
		completion(t, "not json at all"),
		completion(t, "[1, 2, 3]"),
		[]byte(`{"choices":[]}`),
		[]byte(`not even json`),
	}
	for _, raw := range cases {
		_, err := Interpret(raw, usersOnly())
		var malformed *MalformedResponseError
		if !errors.As(err, &malformed) {
			t.Fatalf("raw %s: error = %v, want MalformedResponseError", raw, err)
		}
	}
}

func TestInterpretStepsNotAList(t *testing.T) {
	raw := completion(t, map[string]any{"steps": "select * from users"})
	_, err := Interpret(raw, usersOnly())
	var malformed *MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("error = %v, want MalformedResponseError", err)
	}
}

func TestInterpretFencedJSONContent(t *testing.T) {
	raw := completion(t, "```json\n{\"steps\":[{\"query\":\"select name from users\"}]}\n```")
	p, err := Interpret(raw, usersOnly())
	if err != nil {
		t.Fatalf("Interpret() error = %v", err)
	}
	if len(p.Steps) != 1 {
		t.Fatalf("steps = %d", len(p.Steps))
	}
}

func TestInterpretNonStringSummaryIgnored(t *testing.T) {
	raw := completion(t, map[string]any{
		"steps":   []map[string]any{{"query": "select 1 from users"}},
		"summary": 42,
	})
	p, err := Interpret(raw, usersOnly())
	if err != nil {
		t.Fatalf("Interpret() error = %v", err)
	}
	if p.Summary != "" {
		t.Fatalf("summary = %q, want empty", p.Summary)
	}
}

func TestExtractTables(t *testing.T) {
	cases := []struct {
		query string
		want  []string
	}{
		{"select * from users", []string{"users"}},
		{"select * from Users as u", []string{"users"}},
		{"select * from `users` join \"orders\" o on o.user_id = u.id", []string{"users", "orders"}},
		{"select * from public.users", []string{"users"}},
		{"select * from users join users u2 on u2.id = users.id", []string{"users"}},
		{"select count(*) from (select id from secrets) s", []string{"secrets"}},
		{"select 1", nil},
	}
	for _, tc := range cases {
		got := ExtractTables(tc.query)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("ExtractTables(%q) = %v, want %v", tc.query, got, tc.want)
		}
	}
}
