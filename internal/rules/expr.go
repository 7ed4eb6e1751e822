package rules

import (
	"context"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"signalhub/internal/signal"
)

// exprTimeout bounds one expression evaluation. Expressions are simple
// predicates; anything that runs this long is broken.
const exprTimeout = time.Second

// evalExpression runs a rule's Lua predicate against a reading in a
// sandboxed, deadline-bounded VM. The expression sees the globals `value`,
// `threshold`, `threshold2`, `metric`, and `device_id` and must evaluate to
// a boolean.
func evalExpression(rule CustomTriggerRule, reading signal.SensorReading) (bool, error) {
	if rule.Expression == "" {
		return false, fmt.Errorf("expression rule %s has no expression", rule.ID)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	defer L.Close()

	// Sandbox: no filesystem, no process, no loading.
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)

	ctx, cancel := context.WithTimeout(context.Background(), exprTimeout)
	defer cancel()
	L.SetContext(ctx)

	L.SetGlobal("value", lua.LNumber(reading.Value))
	L.SetGlobal("threshold", lua.LNumber(rule.Threshold))
	if rule.Threshold2 != nil {
		L.SetGlobal("threshold2", lua.LNumber(*rule.Threshold2))
	}
	L.SetGlobal("metric", lua.LString(reading.Metric))
	L.SetGlobal("device_id", lua.LString(reading.DeviceID))

	if err := L.DoString("return " + rule.Expression); err != nil {
		return false, fmt.Errorf("evaluate expression: %w", err)
	}

	ret := L.Get(-1)
	if b, ok := ret.(lua.LBool); ok {
		return bool(b), nil
	}
	return false, fmt.Errorf("expression returned %s, want boolean", ret.Type())
}
