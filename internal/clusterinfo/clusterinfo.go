// Package clusterinfo is a best-effort, Kubernetes-only helper that looks
// up the declared replica count of the StatefulSet/Deployment this instance
// runs under, purely for an informational log line at Bootstrap time. It
// never gates allocation decisions — those come exclusively from the
// Cluster Record peer view. Grounded in the teacher's GetWorkerCount
// (k8s/test/test-consumer/lease_manager.go), including its soft-failing
// "use fallback methods" behavior when anything about the lookup fails.
package clusterinfo

import (
	"context"
	"os"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/sirupsen/logrus"
)

// ReplicaHint is the best-effort result of a lookup: Available is false
// whenever any step of the chain (in-cluster config, pod lookup, owner
// lookup) could not be completed.
type ReplicaHint struct {
	Replicas  int
	Available bool
}

// Lookup attempts to resolve the replica count of the pod's owning
// StatefulSet or ReplicaSet/Deployment. Every failure is treated as "not
// available" rather than propagated — this helper is informational only.
// Not running in-cluster is logged at debug; the other failures at warn.
func Lookup(ctx context.Context, log *logrus.Entry) ReplicaHint {
	k8sConfig, err := rest.InClusterConfig()
	if err != nil {
		log.WithError(err).Debug("clusterinfo: not running in-cluster, skipping replica hint")
		return ReplicaHint{}
	}

	client, err := kubernetes.NewForConfig(k8sConfig)
	if err != nil {
		log.WithError(err).Warn("clusterinfo: failed to build k8s client")
		return ReplicaHint{}
	}

	podName := os.Getenv("HOSTNAME")
	if podName == "" {
		log.Warn("clusterinfo: HOSTNAME not set, cannot determine pod name")
		return ReplicaHint{}
	}

	namespace := os.Getenv("POD_NAMESPACE")
	if namespace == "" {
		if data, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace"); err == nil {
			namespace = string(data)
		} else {
			namespace = "default"
		}
	}

	pod, err := client.CoreV1().Pods(namespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		log.WithError(err).Warn("clusterinfo: failed to get pod info")
		return ReplicaHint{}
	}

	for _, owner := range pod.OwnerReferences {
		switch owner.Kind {
		case "StatefulSet":
			sts, err := client.AppsV1().StatefulSets(namespace).Get(ctx, owner.Name, metav1.GetOptions{})
			if err == nil && sts.Spec.Replicas != nil {
				return ReplicaHint{Replicas: int(*sts.Spec.Replicas), Available: true}
			}
		case "ReplicaSet":
			rs, err := client.AppsV1().ReplicaSets(namespace).Get(ctx, owner.Name, metav1.GetOptions{})
			if err == nil && rs.Spec.Replicas != nil {
				return ReplicaHint{Replicas: int(*rs.Spec.Replicas), Available: true}
			}
		}
	}

	log.Warn("clusterinfo: no usable owner reference found")
	return ReplicaHint{}
}
