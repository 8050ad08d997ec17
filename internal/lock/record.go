// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// Record é o conteúdo persistido do lock file. Só existe serializado em disco;
// a posse atual deve sempre ser confirmada relendo o arquivo.
type Record struct {
	ProcessID       int32     `json:"ProcessId"`
	MachineName     string    `json:"MachineName"`
	AcquiredUTC     time.Time `json:"AcquiredUtc"`
	DownloadingPath string    `json:"DownloadingPath"`
	// Token distingue handles do mesmo processo (goroutines concorrentes).
	Token string `json:"Token,omitempty"`
}

// sameOwner compara a identidade do holder; AcquiredUTC pode mudar via Refresh.
func (r Record) sameOwner(o Record) bool {
	return r.ProcessID == o.ProcessID && r.MachineName == o.MachineName && r.Token == o.Token
}

// sameRecord exige também o mesmo AcquiredUTC: um Refresh do dono muda o record.
func (r Record) sameRecord(o Record) bool {
	return r.sameOwner(o) && r.AcquiredUTC.Equal(o.AcquiredUTC)
}

// errCorruptRecord indica um lock file existente mas ilegível (vazio ou JSON inválido).
var errCorruptRecord = errors.New("lock: corrupt lock record")

// readRecord lê o lock file. Retorna fs.ErrNotExist (wrapped) se não existir.
func readRecord(lockPath string) (Record, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if len(data) == 0 {
		return Record{}, fmt.Errorf("%w: %s is empty", errCorruptRecord, lockPath)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", errCorruptRecord, lockPath, err)
	}
	return rec, nil
}

// createExclusive cria o lock file com O_EXCL e grava o record.
// É a primitiva de exclusão mútua: falha com fs.ErrExist se o arquivo já existe.
func createExclusive(lockPath string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding lock record: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(lockPath)
		return fmt.Errorf("writing lock record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(lockPath)
		return fmt.Errorf("syncing lock record: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(lockPath)
		return fmt.Errorf("closing lock record: %w", err)
	}
	return nil
}

// replaceRecord reescreve o record via arquivo temporário + rename atômico.
func replaceRecord(lockPath string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding lock record: %w", err)
	}
	tmp := lockPath + ".refresh-" + rec.Token
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing refreshed lock record: %w", err)
	}
	if err := os.Rename(tmp, lockPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing lock record: %w", err)
	}
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
