package sysmon

import "runtime"

func numCPU() int { return runtime.NumCPU() }
