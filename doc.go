/*
Clusterinvoke is a framework for master/worker applications. A master node
accepts connections from clients and worker nodes and exchanges invocations with
them: messages made of a listener name and an ordered list of typed parameters
(numbers, strings, documents and raw bytes).

A connection starts out anonymous. It can log in and bind one service, which
then receives all invocations on the connection. Each invocation runs on its
own goroutine after taking an admission slot of the connection's user, so a
single user cannot occupy the whole master.

Worker nodes bind the system service and announce the roles they serve. The
scheduler records how long every dispatched piece of work took and sends new
work to the process with the best throughput so far:

	Node worker-1
		+ Process square   (resource index 4.0)
		+ Process echo
	Node worker-2
		+ Process square   (resource index 1.0)

Packages:

	invoke       invocation messages and their wire format
	transport    TCP and ZeroMQ connections, CURVE keys
	server       sessions, services, users and admission
	distributed  history records and the scheduler
	client       client connections and workers
	status       health, metrics and state over HTTP
	config       configuration files
*/
package clusterinvoke
