package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/ampergames/gamecash_backend/config"
	"bitbucket.org/ampergames/gamecash_backend/utils"
	"cloud.google.com/go/storage"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/iterator"
)

type settlementArchiveEntry struct {
	ObjectKey   string `json:"objectKey"`
	DownloadURL string `json:"downloadUrl"`
	Size        int64  `json:"size"`
	CreatedAt   string `json:"createdAt"`
}

func settlementObjectPrefix(venueId string) string {
	return "settlements/" + venueId + "/"
}

// validSettlementKey rejects traversal and cross-venue keys. Workbooks are
// archived under settlements/<venueId>/, and a caller may only reach into
// its own venue's prefix.
func validSettlementKey(venueId, objectKey string) bool {
	if objectKey == "" || strings.Contains(objectKey, "..") || strings.HasPrefix(objectKey, "/") {
		return false
	}
	return strings.HasPrefix(objectKey, settlementObjectPrefix(venueId))
}

// settlementArchiveListHandler lists a venue's archived settlement workbooks.
func settlementArchiveListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetActorEmailFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		limit := 50
		if raw := c.Query("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
				limit = n
			}
		}

		bucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
		if bucket == "" {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "GCS_BUCKET is required"})
			return
		}

		client, err := utils.GetGCSClient(c.Request.Context())
		if err != nil {
			logExportError(c, err, "storage client error")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage client error"})
			return
		}
		defer client.Close()

		venueId := c.Param("venueId")
		it := client.Bucket(bucket).Objects(c.Request.Context(), &storage.Query{
			Prefix: settlementObjectPrefix(venueId),
		})

		entries := make([]settlementArchiveEntry, 0, limit)
		for len(entries) < limit {
			attrs, err := it.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				logExportError(c, err, "listing settlement archive")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list archive"})
				return
			}
			entries = append(entries, settlementArchiveEntry{
				ObjectKey:   attrs.Name,
				DownloadURL: utils.BuildObjectAccessURL(attrs.Name),
				Size:        attrs.Size,
				CreatedAt:   attrs.Created.UTC().Format(time.RFC3339),
			})
		}

		c.JSON(http.StatusOK, gin.H{"exports": entries, "count": len(entries)})
	}
}

// settlementDownloadHandler streams an archived workbook through the API.
// Useful when the bucket itself is private and no public access URL exists.
func settlementDownloadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetActorEmailFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		objectKey := strings.TrimSpace(c.Query("key"))
		if !validSettlementKey(c.Param("venueId"), objectKey) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key"})
			return
		}

		bucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
		if bucket == "" {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "GCS_BUCKET is required"})
			return
		}

		client, err := utils.GetGCSClient(c.Request.Context())
		if err != nil {
			logExportError(c, err, "storage client error")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage client error"})
			return
		}
		defer client.Close()

		obj := client.Bucket(bucket).Object(objectKey)
		attrs, err := obj.Attrs(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "object not found"})
			return
		}
		reader, err := obj.NewReader(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "object not found"})
			return
		}
		defer reader.Close()

		if attrs.ContentType != "" {
			c.Writer.Header().Set("Content-Type", attrs.ContentType)
		}
		if attrs.Size > 0 {
			c.Writer.Header().Set("Content-Length", fmt.Sprintf("%d", attrs.Size))
		}
		c.Status(http.StatusOK)
		_, _ = io.Copy(c.Writer, reader)
	}
}

func logExportError(c *gin.Context, err error, context string) {
	correlationId, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
	config.GetLogger().WithFields(logrus.Fields{
		"error":          err.Error(),
		"context":        context,
		"correlation_id": correlationId,
	}).Error("[export.error]")
}
