package rules

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/osmwatch/internal/element"
)

// ClassifyModule provides classify.rule() to Lua
type ClassifyModule struct {
	r *Runtime
}

// NewClassifyModule creates a new classify module
func NewClassifyModule(r *Runtime) *ClassifyModule {
	return &ClassifyModule{r: r}
}

// Loader is the module loader for Lua
func (m *ClassifyModule) Loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "rule", L.NewFunction(m.rule))

	kinds := L.NewTable()
	for _, k := range element.Kinds {
		kinds.Append(lua.LString(k))
	}
	L.SetField(mod, "kinds", kinds)

	L.Push(mod)
	return 1
}

// rule(kind, pattern, label) - append a classification rule
func (m *ClassifyModule) rule(L *lua.LState) int {
	kindStr := L.CheckString(1)
	pattern := L.CheckString(2)
	label := L.CheckString(3)

	kind, err := element.ParseKind(kindStr)
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	if err := m.r.classifier.AddRule(kind, pattern, label); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	m.r.added++

	log.Debug().
		Str("kind", string(kind)).
		Str("pattern", pattern).
		Str("label", label).
		Msg("Registered classification rule")

	return 0
}

// LogModule provides logging functions to Lua
type LogModule struct{}

// NewLogModule creates a new log module
func NewLogModule() *LogModule {
	return &LogModule{}
}

// Loader is the module loader for Lua
func (m *LogModule) Loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "debug", L.NewFunction(m.at(zerolog.DebugLevel)))
	L.SetField(mod, "info", L.NewFunction(m.at(zerolog.InfoLevel)))
	L.SetField(mod, "warn", L.NewFunction(m.at(zerolog.WarnLevel)))
	L.SetField(mod, "error", L.NewFunction(m.at(zerolog.ErrorLevel)))

	L.Push(mod)
	return 1
}

func (m *LogModule) at(level zerolog.Level) lua.LGFunction {
	return func(L *lua.LState) int {
		msg := L.CheckString(1)

		event := log.WithLevel(level).Str("source", "lua")
		if tbl, ok := L.Get(2).(*lua.LTable); ok {
			tbl.ForEach(func(key, value lua.LValue) {
				event = event.Interface(lua.LVAsString(key), LuaToGo(value))
			})
		}
		event.Msg(msg)

		return 0
	}
}

// LuaToGo converts a Lua value to a Go value
func LuaToGo(v lua.LValue) interface{} {
	switch val := v.(type) {
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case lua.LBool:
		return bool(val)
	case *lua.LTable:
		if n := val.Len(); n > 0 {
			arr := make([]interface{}, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, LuaToGo(val.RawGetInt(i)))
			}
			return arr
		}
		obj := make(map[string]interface{})
		val.ForEach(func(k, v lua.LValue) {
			obj[lua.LVAsString(k)] = LuaToGo(v)
		})
		return obj
	case *lua.LNilType:
		return nil
	default:
		return v.String()
	}
}
