package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a plugin or cluster manifest to a running broker",
	Long: `Apply reads a YAML manifest describing a Plugin or Cluster
resource and submits it to a running broker's admission API.

Examples:
  # Register a plugin
  broker apply -f controller-fcfs.yaml

  # Register a cluster profile
  broker apply -f cluster-dev.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	applyCmd.Flags().String("broker", "http://127.0.0.1:8080", "Admission API base URL")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// manifest is the generic envelope every applied resource shares,
// mirroring the kind/metadata/spec shape of a Kubernetes manifest.
type manifest struct {
	Kind     string                 `yaml:"kind"`
	Metadata manifestMetadata       `yaml:"metadata"`
	Spec     map[string]interface{} `yaml:"spec"`
}

type manifestMetadata struct {
	Name string `yaml:"name"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	brokerURL, _ := cmd.Flags().GetString("broker")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}

	switch m.Kind {
	case "Plugin":
		return applyPlugin(client, brokerURL, &m)
	case "Cluster":
		return applyCluster(client, brokerURL, &m)
	default:
		return fmt.Errorf("unsupported manifest kind: %q", m.Kind)
	}
}

func applyPlugin(client *http.Client, brokerURL string, m *manifest) error {
	body := map[string]interface{}{
		"name":      m.Metadata.Name,
		"component": getString(m.Spec, "component", ""),
		"source":    getString(m.Spec, "source", ""),
		"module":    getString(m.Spec, "module", ""),
	}
	if body["component"] == "" || body["module"] == "" {
		return fmt.Errorf("plugin manifest requires spec.component and spec.module")
	}

	fmt.Printf("Registering plugin: %s\n", m.Metadata.Name)
	if err := postJSON(client, brokerURL+"/plugins", body); err != nil {
		return fmt.Errorf("register plugin %s: %w", m.Metadata.Name, err)
	}
	fmt.Printf("✓ Plugin registered: %s\n", m.Metadata.Name)
	return nil
}

func applyCluster(client *http.Client, brokerURL string, m *manifest) error {
	kubeconfig := getString(m.Spec, "kubeconfig", "")
	if kubeconfig == "" {
		return fmt.Errorf("cluster manifest requires spec.kubeconfig")
	}

	body := map[string]interface{}{
		"name":   m.Metadata.Name,
		"config": []byte(kubeconfig),
	}

	fmt.Printf("Adding cluster profile: %s\n", m.Metadata.Name)
	if err := postJSON(client, brokerURL+"/v1/submissions/cluster", body); err != nil {
		return fmt.Errorf("add cluster %s: %w", m.Metadata.Name, err)
	}
	fmt.Printf("✓ Cluster profile added: %s\n", m.Metadata.Name)

	if activate, _ := m.Spec["activate"].(bool); activate {
		req, err := http.NewRequest(http.MethodPut, brokerURL+"/v1/submissions/cluster/"+m.Metadata.Name+"/activate", nil)
		if err != nil {
			return fmt.Errorf("build activate request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("activate cluster %s: %w", m.Metadata.Name, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("activate cluster %s: status %d", m.Metadata.Name, resp.StatusCode)
		}
		fmt.Printf("✓ Cluster activated: %s\n", m.Metadata.Name)
	}

	return nil
}

func postJSON(client *http.Client, url string, body map[string]interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	resp, err := client.Post(url, "application/json", bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func getString(m map[string]interface{}, key, defaultValue string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return defaultValue
}
