package listener

import (
	"bytes"
	"encoding/json"
	"fmt"

	elasticsearch7 "github.com/elastic/go-elasticsearch/v7"
	"github.com/kfsoftware/bims-ledger/pkg/ledger"
	"github.com/kfsoftware/bims-ledger/pkg/transformation"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type ElasticSearchStorage struct {
	client    *elasticsearch7.Client
	indexName string
}

func NewElasticStorage(client *elasticsearch7.Client, indexName string) ElasticSearchStorage {
	return ElasticSearchStorage{
		client:    client,
		indexName: indexName,
	}
}

func (e ElasticSearchStorage) StoreBulk(blocks []ledger.Block) error {
	docs, err := transformation.BlocksToDocuments(blocks)
	if err != nil {
		return err
	}
	return e.storeDocs(docs)
}

func (e ElasticSearchStorage) Store(block *ledger.Block) error {
	docs, err := transformation.BlockToDocuments(block)
	if err != nil {
		return err
	}
	return e.storeDocs(docs)
}

// bulkBody renders the documents as an _bulk request body.
func (e ElasticSearchStorage) bulkBody(docs *transformation.DocumentExtractionResponse) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	for _, document := range docs.DocumentsToAdd {
		data, err := json.Marshal(document.Data)
		if err != nil {
			return nil, err
		}
		meta := []byte(fmt.Sprintf(`{ "index" : {"_index": "%s",  "_id" : "%s" } }%s`, e.indexName, document.PrimaryKey, "\n"))
		data = append(data, "\n"...)
		buf.Grow(len(meta) + len(data))
		buf.Write(meta)
		buf.Write(data)
	}
	return &buf, nil
}

func (e ElasticSearchStorage) storeDocs(docs *transformation.DocumentExtractionResponse) error {
	buf, err := e.bulkBody(docs)
	if err != nil {
		return err
	}
	log.Infof("Items added=%d", len(docs.DocumentsToAdd))
	if buf.Len() == 0 {
		return nil
	}
	res, err := e.client.Bulk(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		var raw map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
			return errors.Errorf("Failure to  parse response body: %s", err)
		}
		reason, _ := raw["error"].(map[string]interface{})
		return errors.Errorf("  Error: [%d] %s: %s",
			res.StatusCode,
			reason["type"],
			reason["reason"],
		)
	}
	return nil
}
