package workload

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"
)

// Conventional in-cluster service account paths.
const (
	inClusterTokenFile = "/var/run/secrets/kubernetes.io/serviceaccount/token"
	inClusterCAFile    = "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt"
	inClusterNSFile    = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"
)

// KubeConfig locates the cluster API. Zero values fall back to the
// in-cluster service account conventions.
type KubeConfig struct {
	APIServer string
	TokenFile string
	CAFile    string
	Namespace string
}

// KubeClient manages deployments through the cluster's apps/v1 REST API.
// It speaks plain HTTP+JSON; the manifest subset it needs is small
// enough that a generated client buys nothing.
type KubeClient struct {
	baseURL   string
	namespace string
	tokenFile string
	httpc     *http.Client
	log       *slog.Logger
}

// NewKubeClient builds a client from cfg, filling gaps from the
// in-cluster environment.
func NewKubeClient(cfg KubeConfig) (*KubeClient, error) {
	apiServer := cfg.APIServer
	if apiServer == "" {
		host, port := os.Getenv("KUBERNETES_SERVICE_HOST"), os.Getenv("KUBERNETES_SERVICE_PORT")
		if host == "" {
			return nil, fmt.Errorf("no api server configured and not running in-cluster")
		}
		apiServer = "https://" + host + ":" + port
	}

	tokenFile := cfg.TokenFile
	if tokenFile == "" {
		tokenFile = inClusterTokenFile
	}

	namespace := cfg.Namespace
	if namespace == "" {
		if data, err := os.ReadFile(inClusterNSFile); err == nil {
			namespace = strings.TrimSpace(string(data))
		} else {
			namespace = "default"
		}
	}

	transport := http.DefaultTransport
	caFile := cfg.CAFile
	if caFile == "" {
		caFile = inClusterCAFile
	}
	if pem, err := os.ReadFile(caFile); err == nil {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", caFile)
		}
		transport = &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}}
	} else if cfg.CAFile != "" {
		return nil, fmt.Errorf("read ca file: %w", err)
	}

	return &KubeClient{
		baseURL:   strings.TrimSuffix(apiServer, "/"),
		namespace: namespace,
		tokenFile: tokenFile,
		httpc:     &http.Client{Timeout: 30 * time.Second, Transport: transport},
		log:       slog.With("component", "workload"),
	}, nil
}

// Namespace returns the namespace the client operates in.
func (c *KubeClient) Namespace() string { return c.namespace }

// Manifest subset for apps/v1 deployments.

type deployment struct {
	APIVersion string           `json:"apiVersion"`
	Kind       string           `json:"kind"`
	Metadata   objectMeta       `json:"metadata"`
	Spec       deploymentSpec   `json:"spec"`
	Status     deploymentStatus `json:"status,omitempty"`
}

type objectMeta struct {
	Name              string            `json:"name"`
	Namespace         string            `json:"namespace,omitempty"`
	Labels            map[string]string `json:"labels,omitempty"`
	CreationTimestamp string            `json:"creationTimestamp,omitempty"`
}

type deploymentSpec struct {
	Replicas *int          `json:"replicas,omitempty"`
	Selector labelSelector `json:"selector"`
	Template podTemplate   `json:"template"`
}

type labelSelector struct {
	MatchLabels map[string]string `json:"matchLabels"`
}

type podTemplate struct {
	Metadata objectMeta `json:"metadata"`
	Spec     podSpec    `json:"spec"`
}

type podSpec struct {
	Containers  []container  `json:"containers"`
	Volumes     []volume     `json:"volumes,omitempty"`
	Tolerations []toleration `json:"tolerations,omitempty"`
}

type container struct {
	Name         string          `json:"name"`
	Image        string          `json:"image"`
	Env          []envVar        `json:"env,omitempty"`
	EnvFrom      []envFromSource `json:"envFrom,omitempty"`
	VolumeMounts []volumeMount   `json:"volumeMounts,omitempty"`
}

type envVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type envFromSource struct {
	SecretRef *secretRef `json:"secretRef,omitempty"`
}

type secretRef struct {
	Name string `json:"name"`
}

type volumeMount struct {
	Name      string `json:"name"`
	MountPath string `json:"mountPath"`
}

type volume struct {
	Name     string    `json:"name"`
	EmptyDir *emptyDir `json:"emptyDir,omitempty"`
}

type emptyDir struct {
	SizeLimit string `json:"sizeLimit,omitempty"`
}

type toleration struct {
	Key      string `json:"key"`
	Operator string `json:"operator,omitempty"`
	Value    string `json:"value,omitempty"`
	Effect   string `json:"effect,omitempty"`
}

type deploymentStatus struct {
	Replicas      int `json:"replicas,omitempty"`
	ReadyReplicas int `json:"readyReplicas,omitempty"`
}

type deploymentList struct {
	Items []deployment `json:"items"`
}

type apiStatus struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
	Code    int    `json:"code"`
}

// manifest renders a DeploymentSpec into the wire form. Env vars are
// sorted so repeated renders compare equal.
func (c *KubeClient) manifest(spec DeploymentSpec) deployment {
	labels := map[string]string{AppLabelKey: AppLabelValue}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	names := make([]string, 0, len(spec.Env))
	for name := range spec.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	env := make([]envVar, 0, len(names))
	for _, name := range names {
		env = append(env, envVar{Name: name, Value: spec.Env[name]})
	}

	ctr := container{
		Name:  "worker",
		Image: spec.Image,
		Env:   env,
		VolumeMounts: []volumeMount{
			{Name: "workspace", MountPath: "/workspace"},
		},
	}
	if spec.EnvFromSecret != "" {
		ctr.EnvFrom = []envFromSource{{SecretRef: &secretRef{Name: spec.EnvFromSecret}}}
	}

	pod := podSpec{
		Containers: []container{ctr},
		Volumes: []volume{
			{Name: "workspace", EmptyDir: &emptyDir{SizeLimit: fmt.Sprintf("%dGi", spec.ScratchVolumeGiB)}},
		},
	}
	if spec.PreemptibleToleration {
		pod.Tolerations = []toleration{
			{Key: "preemptible", Operator: "Equal", Value: "true", Effect: "NoSchedule"},
		}
	}

	replicas := spec.Replicas
	return deployment{
		APIVersion: "apps/v1",
		Kind:       "Deployment",
		Metadata:   objectMeta{Name: spec.Name, Namespace: c.namespace, Labels: labels},
		Spec: deploymentSpec{
			Replicas: &replicas,
			Selector: labelSelector{MatchLabels: map[string]string{AppLabelKey: AppLabelValue, "deployment": spec.Name}},
			Template: podTemplate{
				Metadata: objectMeta{Labels: map[string]string{AppLabelKey: AppLabelValue, "deployment": spec.Name}},
				Spec:     pod,
			},
		},
	}
}

func (c *KubeClient) EnsureDeployment(ctx context.Context, spec DeploymentSpec) error {
	body, err := json.Marshal(c.manifest(spec))
	if err != nil {
		return fmt.Errorf("marshal deployment %s: %w", spec.Name, err)
	}

	status, raw, err := c.do(ctx, http.MethodPost, c.collectionPath(), "application/json", body)
	if err != nil {
		return fmt.Errorf("create deployment %s: %w", spec.Name, err)
	}
	switch {
	case status == http.StatusConflict:
		// Already exists; converge the replica count.
		return c.ScaleDeployment(ctx, spec.Name, spec.Replicas)
	case status >= 300:
		return fmt.Errorf("create deployment %s: %s", spec.Name, apiError(status, raw))
	}
	c.log.Info("deployment created", "name", spec.Name, "image", spec.Image)
	return nil
}

func (c *KubeClient) ScaleDeployment(ctx context.Context, name string, replicas int) error {
	patch := fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas)
	status, raw, err := c.do(ctx, http.MethodPatch, c.itemPath(name), "application/merge-patch+json", []byte(patch))
	if err != nil {
		return fmt.Errorf("scale deployment %s: %w", name, err)
	}
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("scale deployment %s: %w", name, ErrNotFound)
	case status >= 300:
		return fmt.Errorf("scale deployment %s: %s", name, apiError(status, raw))
	}
	c.log.Info("deployment scaled", "name", name, "replicas", replicas)
	return nil
}

func (c *KubeClient) DeleteDeployment(ctx context.Context, name string) error {
	status, raw, err := c.do(ctx, http.MethodDelete, c.itemPath(name), "application/json",
		[]byte(`{"propagationPolicy":"Background"}`))
	if err != nil {
		return fmt.Errorf("delete deployment %s: %w", name, err)
	}
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("delete deployment %s: %w", name, ErrNotFound)
	case status >= 300:
		return fmt.Errorf("delete deployment %s: %s", name, apiError(status, raw))
	}
	c.log.Info("deployment deleted", "name", name)
	return nil
}

func (c *KubeClient) GetDeployment(ctx context.Context, name string) (*Status, error) {
	status, raw, err := c.do(ctx, http.MethodGet, c.itemPath(name), "", nil)
	if err != nil {
		return nil, fmt.Errorf("get deployment %s: %w", name, err)
	}
	switch {
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("get deployment %s: %w", name, ErrNotFound)
	case status >= 300:
		return nil, fmt.Errorf("get deployment %s: %s", name, apiError(status, raw))
	}

	var dep deployment
	if err := json.Unmarshal(raw, &dep); err != nil {
		return nil, fmt.Errorf("get deployment %s: decode: %w", name, err)
	}
	s := toStatus(dep)
	return &s, nil
}

func (c *KubeClient) ListDeployments(ctx context.Context, labelSelector string) ([]Status, error) {
	path := c.collectionPath()
	if labelSelector != "" {
		path += "?labelSelector=" + url.QueryEscape(labelSelector)
	}
	status, raw, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	if status >= 300 {
		return nil, fmt.Errorf("list deployments: %s", apiError(status, raw))
	}

	var list deploymentList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("list deployments: decode: %w", err)
	}
	out := make([]Status, 0, len(list.Items))
	for _, dep := range list.Items {
		out = append(out, toStatus(dep))
	}
	return out, nil
}

func toStatus(dep deployment) Status {
	s := Status{
		Name:          dep.Metadata.Name,
		Labels:        dep.Metadata.Labels,
		ReadyReplicas: dep.Status.ReadyReplicas,
	}
	if dep.Spec.Replicas != nil {
		s.Replicas = *dep.Spec.Replicas
	}
	if ts, err := time.Parse(time.RFC3339, dep.Metadata.CreationTimestamp); err == nil {
		s.CreatedAt = ts
	}
	return s
}

func (c *KubeClient) collectionPath() string {
	return "/apis/apps/v1/namespaces/" + c.namespace + "/deployments"
}

func (c *KubeClient) itemPath(name string) string {
	return c.collectionPath() + "/" + name
}

// do issues one API request with a freshly read service account token,
// so rotated credentials are picked up without a restart.
func (c *KubeClient) do(ctx context.Context, method, path, contentType string, body []byte) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if token, err := os.ReadFile(c.tokenFile); err == nil {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(string(token)))
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

// apiError condenses a failed API response into one line.
func apiError(status int, raw []byte) string {
	var s apiStatus
	if err := json.Unmarshal(raw, &s); err == nil && s.Message != "" {
		return fmt.Sprintf("HTTP %d: %s", status, s.Message)
	}
	return fmt.Sprintf("HTTP %d", status)
}
