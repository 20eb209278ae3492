package alter

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Argument normalization: models routinely invent synonyms for action and
// parameter names. NormalizeArgs rewrites the common mistakes into the
// canonical schema before dispatch so a near-miss call still executes.

// actionSynonyms maps tool -> alias -> canonical action.
var actionSynonyms = map[string]map[string]string{
	"file": {
		"save": "write", "create": "write", "make": "write",
		"add": "append",
		"remove": "delete", "del": "delete", "rm": "delete",
		"ls": "list", "dir": "list",
		"open": "read", "view": "read", "cat": "read",
		"check": "exists",
		"info": "stat",
	},
	"browser": {
		"visit": "navigate", "open": "navigate", "go": "navigate",
		"goto": "navigate", "load": "navigate", "browse": "navigate",
		"capture": "screenshot", "snap": "screenshot",
		"press": "click", "tap": "click",
		"input": "type", "fill": "type",
		"run": "evaluate", "js": "evaluate", "exec": "evaluate",
		"text": "content", "html": "content", "extract": "content",
	},
	"memory": {
		"save": "store", "set": "store", "remember": "store", "write": "store",
		"fetch": "get", "recall": "get", "read": "get", "retrieve": "get",
		"find": "search", "query": "search", "lookup": "search",
		"remove": "delete", "forget": "delete",
	},
}

// paramSynonyms maps tool -> alias -> canonical parameter name. A rename
// only applies when the canonical key is absent.
var paramSynonyms = map[string]map[string]string{
	"file": {
		"file_path": "path", "filepath": "path", "filename": "path",
		"file_name": "path", "file": "path", "dir": "path",
		"directory": "path", "location": "path",
		"text": "content", "data": "content", "contents": "content", "body": "content",
	},
	"shell": {
		"cmd": "command", "script": "command", "shell_command": "command",
		"bash": "command", "run": "command",
	},
	"web": {
		"website": "url", "uri": "url", "link": "url",
		"address": "url", "target": "url", "endpoint": "url",
	},
	"browser": {
		"website": "url", "uri": "url", "link": "url", "address": "url",
		"js": "expression", "script": "expression", "code": "expression",
		"element": "selector",
		"text": "value", "input_text": "value",
	},
	"code": {
		"source": "code", "script": "code", "snippet": "code",
		"program": "code", "lang": "language",
	},
	"wait": {
		"duration": "seconds", "secs": "seconds", "sec": "seconds",
		"time": "seconds", "delay": "seconds",
	},
	"memory": {
		"name": "key", "id": "key",
		"val": "value", "content": "value", "data": "value",
	},
}

// NormalizeArgs rewrites common argument mistakes for the named tool and
// reports each applied rewrite. Unparseable args pass through untouched.
func NormalizeArgs(tool string, args json.RawMessage) (json.RawMessage, []string) {
	if len(args) == 0 {
		return args, nil
	}
	var m map[string]any
	if err := json.Unmarshal(args, &m); err != nil || m == nil {
		return args, nil
	}

	var notes []string

	// Action synonyms first: search-derivation below depends on the raw
	// action and query values.
	if raw, ok := m["action"].(string); ok {
		action := strings.ToLower(strings.TrimSpace(raw))
		if tool == "browser" && action == "search" {
			m["action"] = "navigate"
			if _, has := m["url"]; !has {
				if q := firstString(m, "query", "q", "term", "keywords"); q != "" {
					m["url"] = "https://www.google.com/search?q=" + url.QueryEscape(q)
					notes = append(notes, "derived search url from query")
				}
			}
			notes = append(notes, "action search -> navigate")
		} else if canonical, ok := actionSynonyms[tool][action]; ok {
			m["action"] = canonical
			notes = append(notes, fmt.Sprintf("action %s -> %s", action, canonical))
		} else if action != raw {
			m["action"] = action
		}
	}

	// urls[] -> url: models sometimes send a one-element list.
	if _, has := m["url"]; !has {
		if arr, ok := m["urls"].([]any); ok && len(arr) > 0 {
			if s, ok := arr[0].(string); ok {
				m["url"] = s
				delete(m, "urls")
				notes = append(notes, "urls[0] -> url")
			}
		}
	}

	synonyms := paramSynonyms[tool]
	aliases := make([]string, 0, len(synonyms))
	for alias := range synonyms {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		v, ok := m[alias]
		if !ok {
			continue
		}
		canonical := synonyms[alias]
		if _, has := m[canonical]; has {
			continue
		}
		m[canonical] = v
		delete(m, alias)
		notes = append(notes, fmt.Sprintf("arg %s -> %s", alias, canonical))
	}

	if len(notes) == 0 {
		return args, nil
	}
	out, err := json.Marshal(m)
	if err != nil {
		return args, nil
	}
	return out, notes
}

// firstString returns the first non-empty string value among keys.
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
