package distributed

import (
	"context"
	"fmt"

	"github.com/dermesser/clusterinvoke/invoke"
	"github.com/dermesser/clusterinvoke/server"
)

// Listeners of the system service.
const (
	ListenerRegisterProcess = invoke.ListenerRegisterProcess
	ListenerReportHistory   = invoke.ListenerReportHistory
)

const DefaultServiceName = "system"

/*
ServiceSpec returns the service that worker nodes bind to join the scheduler.
Binding registers the session as a System; the System is removed again when the
session is finalized.
*/
func (s *Scheduler) ServiceSpec(name string, requiredAuthority int) server.ServiceSpec {
	if name == "" {
		name = DefaultServiceName
	}
	return server.ServiceSpec{
		Name:              name,
		RequiredAuthority: requiredAuthority,
		Listeners:         []string{ListenerRegisterProcess, ListenerReportHistory},
		New: func(sess *server.Session) (server.Service, error) {
			sys, err := s.AddSystem(sess.ID(), sess)
			if err != nil {
				return nil, err
			}
			return &systemService{sched: s, sys: sys}, nil
		},
	}
}

type systemService struct {
	sched *Scheduler
	sys   *System
}

func (ss *systemService) Handle(ctx context.Context, in *invoke.Invoke) error {
	switch in.Listener() {
	case ListenerRegisterProcess:
		n := 0
		for _, p := range in.Parameters() {
			if p.Name() != ParamRole {
				continue
			}
			role, err := p.Text()
			if err != nil {
				return err
			}
			ss.sys.AddProcess(role)
			n++
		}
		if n == 0 {
			return fmt.Errorf("%s without %q parameter", ListenerRegisterProcess, ParamRole)
		}
		return nil

	case ListenerReportHistory:
		uid, ok := in.NumberOf(ParamHistoryUID)
		if !ok {
			return fmt.Errorf("%s without %q parameter", ListenerReportHistory, ParamHistoryUID)
		}
		return ss.sched.ReportFrom(ss.sys.id, uint64(uid), in.Without(ParamHistoryUID))
	}
	return fmt.Errorf("unexpected listener %q", in.Listener())
}

func (ss *systemService) Close() error {
	ss.sched.RemoveSystem(ss.sys.id)
	return nil
}
