package server

import "github.com/dermesser/clusterinvoke/invoke"

type builtin int

const (
	builtinNone builtin = iota
	builtinNotifyService
	builtinLogin
	builtinLogout
	builtinJoin
)

var builtins = map[string]builtin{
	invoke.ListenerNotifyService: builtinNotifyService,
	invoke.ListenerLogin:         builtinLogin,
	invoke.ListenerLogout:        builtinLogout,
	invoke.ListenerJoin:          builtinJoin,
}

func lookupBuiltin(listener string) builtin {
	return builtins[listener]
}

func (b builtin) String() string {
	switch b {
	case builtinNotifyService:
		return invoke.ListenerNotifyService
	case builtinLogin:
		return invoke.ListenerLogin
	case builtinLogout:
		return invoke.ListenerLogout
	case builtinJoin:
		return invoke.ListenerJoin
	default:
		return ""
	}
}

func notifyAuthority(authority int, satisfactory bool) *invoke.Invoke {
	return invoke.New(invoke.ListenerNotifyAuthority,
		invoke.Number(invoke.ParamAuthority, float64(authority)),
		invoke.Bool(invoke.ParamSatisfactory, satisfactory))
}
