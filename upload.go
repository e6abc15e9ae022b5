/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/julienschmidt/httprouter"
)

// Extensions accepted for photo uploads, keyed to the Content-Type used
// when serving them back.
var uploadTypes = map[string]string{
	".gif":  "image/gif",
	".jpeg": "image/jpeg",
	".jpg":  "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
}

type uploadResult struct {
	OK       bool   `json:"ok"`
	Filename string `json:"filename,omitempty"`
	Message  string `json:"message,omitempty"`
}

func writeUploadResult(w http.ResponseWriter, status int, result uploadResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(result)
}

// serveUpload accepts a single multipart "file" field, stores it under a
// random name, and returns that name for later use in a photo submission.
// The original filename is never trusted; only its extension survives, and
// only if it is on the allowlist.
func serveUpload(cfg *Config, errorChannel chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		securityHeaders(cfg, w)

		r.Body = http.MaxBytesReader(w, r.Body, cfg.maxUploadSize)

		file, header, err := r.FormFile("file")
		if err != nil {
			writeUploadResult(w, http.StatusBadRequest, uploadResult{
				Message: "Upload a single image as the \"file\" field.",
			})
			return
		}
		defer file.Close()

		extension := strings.ToLower(filepath.Ext(header.Filename))

		_, ok := uploadTypes[extension]
		if !ok {
			writeUploadResult(w, http.StatusUnsupportedMediaType, uploadResult{
				Message: "Only image uploads are supported.",
			})
			return
		}

		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			errorChannel <- err
			writeUploadResult(w, http.StatusInternalServerError, uploadResult{
				Message: "Upload failed. Please try again.",
			})
			return
		}
		filename := hex.EncodeToString(buf) + extension

		err = os.MkdirAll(cfg.uploads, 0755)
		if err != nil {
			errorChannel <- err
			writeUploadResult(w, http.StatusInternalServerError, uploadResult{
				Message: "Upload failed. Please try again.",
			})
			return
		}

		destination, err := os.Create(filepath.Join(cfg.uploads, filename))
		if err != nil {
			errorChannel <- err
			writeUploadResult(w, http.StatusInternalServerError, uploadResult{
				Message: "Upload failed. Please try again.",
			})
			return
		}
		defer destination.Close()

		written, err := io.Copy(destination, file)
		if err != nil {
			errorChannel <- err
			_ = os.Remove(destination.Name())
			writeUploadResult(w, http.StatusInternalServerError, uploadResult{
				Message: "Upload failed. Please try again.",
			})
			return
		}

		logf(cfg, "UPLOADS: Stored %s (%s) from %s",
			filename,
			humanReadableSize(written),
			realIP(r))

		writeUploadResult(w, http.StatusOK, uploadResult{
			OK:       true,
			Filename: filename,
		})
	}
}

// serveUploadedFile serves stored photos back to the clients. Filenames are
// server-generated, so anything that does not look like one is rejected
// outright.
func serveUploadedFile(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		filename := ps.ByName("filename")

		if filename == "" || filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
			http.Error(w, "404 page not found", http.StatusNotFound)
			return
		}

		contentType, ok := uploadTypes[strings.ToLower(filepath.Ext(filename))]
		if !ok {
			http.Error(w, "404 page not found", http.StatusNotFound)
			return
		}

		securityHeaders(cfg, w)
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "max-age=86400")

		http.ServeFile(w, r, filepath.Join(cfg.uploads, filename))
	}
}

func registerUploads(cfg *Config, mux *httprouter.Router, errorChannel chan<- error) {
	mux.POST(cfg.prefix+"/upload", serveUpload(cfg, errorChannel))
	mux.GET(cfg.prefix+"/uploads/:filename", serveUploadedFile(cfg))
}
