// Command gradcam-client uploads one radiograph to a running GradCamServer,
// prints the grading and writes the returned overlay as a PNG file.
package main

import (
	"GradCamServer/grading"
	"bytes"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

type errorBody struct {
	Error string `json:"error"`
}

func main() {
	server := flag.String("server", "http://localhost:10000", "GradCamServer base URL")
	out := flag.String("out", "heatmap.png", "where to write the overlay PNG")
	groundTruth := flag.String("ground-truth", "", "optional ground truth grade, sent but not used by the server")
	timeout := flag.Duration("timeout", 60*time.Second, "request timeout")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: gradcam-client [flags] <image>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	if err := run(*server, flag.Arg(0), *groundTruth, *out, *timeout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(server, imagePath, groundTruth, out string, timeout time.Duration) error {
	pred, err := upload(resty.New().SetTimeout(timeout), server, imagePath, groundTruth)
	if err != nil {
		return err
	}
	fmt.Printf("grade %d (%s), confidence %.2f%%\n", pred.Grade, pred.Label, pred.Confidence)
	for _, cp := range pred.ClassProbabilities {
		fmt.Printf("  grade %d: %.2f%%\n", cp.Grade, cp.Confidence)
	}
	png, err := base64.StdEncoding.DecodeString(pred.Heatmap)
	if err != nil {
		return fmt.Errorf("heatmap is not base64: %w", err)
	}
	if err := os.WriteFile(out, png, 0o644); err != nil {
		return err
	}
	fmt.Println("overlay written to", out)
	return nil
}

func upload(client *resty.Client, server, imagePath, groundTruth string) (grading.Prediction, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return grading.Prediction{}, err
	}
	var ok grading.Payload
	var failed errorBody
	req := client.R().
		SetFileReader("file", filepath.Base(imagePath), bytes.NewReader(data)).
		SetResult(&ok).
		SetError(&failed)
	if groundTruth != "" {
		req.SetFormData(map[string]string{"ground_truth": groundTruth})
	}
	resp, err := req.Post(strings.TrimRight(server, "/") + "/predict")
	if err != nil {
		return grading.Prediction{}, err
	}
	if resp.IsError() {
		if failed.Error != "" {
			return grading.Prediction{}, fmt.Errorf("%s: %s", resp.Status(), failed.Error)
		}
		return grading.Prediction{}, fmt.Errorf("%s", resp.Status())
	}
	return ok.Prediction, nil
}
