package endpoint

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/markus-barta/sessionfabric/internal/handler"
)

func TestDiffHandlerNames(t *testing.T) {
	before := map[string]*handler.Handler{
		"a": {Name: "a"},
		"b": {Name: "b"},
	}
	after := map[string]*handler.Handler{
		"b": {Name: "b"},
		"c": {Name: "c"},
	}

	diff := diffHandlerNames(before, after)
	if !reflect.DeepEqual(diff["added"], []string{"c"}) {
		t.Fatalf("expected added=[c], got %v", diff["added"])
	}
	if !reflect.DeepEqual(diff["removed"], []string{"a"}) {
		t.Fatalf("expected removed=[a], got %v", diff["removed"])
	}
}

func TestDiffHandlerNamesNoChange(t *testing.T) {
	same := map[string]*handler.Handler{"a": {Name: "a"}}
	diff := diffHandlerNames(same, same)
	if len(diff["added"]) != 0 || len(diff["removed"]) != 0 {
		t.Fatalf("expected no diff, got %+v", diff)
	}
}

func TestHandleHotReloadStatusDoesNotReload(t *testing.T) {
	ep := newTestEndpoint(t)
	out, err := ep.handleHotReload(handler.Context{})
	if err != nil {
		t.Fatalf("handleHotReload: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected a map result, got %T", out)
	}
	if _, ok := m["restart_required"]; !ok {
		t.Fatal("expected a status response to report restart_required")
	}
}

func TestHandleHotReloadExplicitStatusAction(t *testing.T) {
	ep := newTestEndpoint(t)
	params, _ := json.Marshal(map[string]string{"action": "status"})
	out, err := ep.handleHotReload(handler.Context{Params: params})
	if err != nil {
		t.Fatalf("handleHotReload: %v", err)
	}
	if _, ok := out.(map[string]any); !ok {
		t.Fatalf("expected a map result, got %T", out)
	}
}

func TestHandleHotReloadUnknownActionIsRejected(t *testing.T) {
	ep := newTestEndpoint(t)
	params, _ := json.Marshal(map[string]string{"action": "bogus"})
	if _, err := ep.handleHotReload(handler.Context{Params: params}); err == nil {
		t.Fatal("expected an unknown action to return an error")
	}
}

func TestHandleHotReloadReloadModuleToleratesMissingDir(t *testing.T) {
	ep := newTestEndpoint(t)
	params, _ := json.Marshal(map[string]string{"action": "reload_module"})
	out, err := ep.handleHotReload(handler.Context{Params: params})
	if err != nil {
		t.Fatalf("handleHotReload reload_module: %v", err)
	}
	if _, ok := out.(map[string][]string); !ok {
		t.Fatalf("expected a handler diff map, got %T", out)
	}
}
