/*
Package runtime defines Adapter, the boundary between the control plane and
whatever actually runs containers.

No other package in this module imports a container engine's client library
directly; they all depend on runtime.Adapter. Two implementations exist:

	pkg/runtime/containerd  - drives a real containerd daemon
	pkg/runtime/fake        - in-memory, used by every other component's tests

# Container and pod naming

Adapter methods accept and return runtime names built by package naming:
a container's runtime name is "{service}__{pod_number}__{container}__{uuid}",
and a pod's private network is named "{service}__{uuid}".

# Partial start semantics

StartContainers and AttemptStartContainers have identical behavior: both
start a pod's containers in spec order and stop at the first failure,
returning whatever subset of StartedContainer succeeded alongside the error.
The two names exist so callers can be explicit about which failure-handling
path applies: supervisor start/scale treats a partial result as a PartialPod
condition (leftover containers are stopped and the pod network torn down),
while the rolling updater treats it as input to its own rollback before the
old pod is touched.
*/
package runtime
