package invoke

// Listener and parameter names understood by every session.
const (
	// client -> server: bind a service. Parameter "name" (string).
	ListenerNotifyService = "notifyService"
	// server -> client: answer to notifyService. Parameters "authority" (number)
	// and "satisfactory" (number 1/0).
	ListenerNotifyAuthority = "notifyAuthority"

	ListenerLogin  = "login"
	ListenerLogout = "logout"
	ListenerJoin   = "join"

	// server -> client: answers to login and join. Parameter "satisfactory",
	// plus "id" and "authority" after a successful login.
	ListenerNotifyLogin = "notifyLogin"
	ListenerNotifyJoin  = "notifyJoin"

	ParamName         = "name"
	ParamAuthority    = "authority"
	ParamSatisfactory = "satisfactory"
	ParamID           = "id"
	ParamPassword     = "password"
	ParamReason       = "reason"
)

// Listener and parameter names of the system service that worker nodes bind.
const (
	// worker -> master: parameters "role" (string, repeated) name the roles served.
	ListenerRegisterProcess = "registerProcess"
	// worker -> master: result of a dispatched piece, carrying its "_history_uid".
	ListenerReportHistory = "_report_history"

	// Added by the master to every dispatched piece.
	ParamHistoryUID = "_history_uid"
	ParamProcess    = "_process"

	ParamRole  = "role"
	ParamError = "error"
)
