package scheduler

import logx "telly/pkg/logx"

func nopLogger() logx.Logger { return logx.Nop() }
