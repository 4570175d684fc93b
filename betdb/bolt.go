package betdb

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	bolt "go.etcd.io/bbolt"

	"github.com/GoUpNumber/gun/betting"
	"github.com/GoUpNumber/gun/oracle"
)

var (
	betsBucket    = []byte("bets")
	oraclesBucket = []byte("oracles")
	metaBucket    = []byte("meta")

	nextBetIDKey = []byte("next_bet_id")
	walSeqKey    = []byte("wal_seq")
)

// BoltDB is the bbolt-backed BetDB. The transition log lives next to the
// database file as newline-delimited JSON; bbolt's file lock doubles as the
// process exclusion lock for both.
type BoltDB struct {
	mu  sync.Mutex
	db  *bolt.DB
	wal *os.File
}

// walRecord is one appended transition. Replay applies any record whose
// sequence number the primary has not absorbed yet.
type walRecord struct {
	Seq   uint64         `json:"seq"`
	BetID betting.BetID  `json:"bet_id"`
	From  betting.State  `json:"from,omitempty"`
	To    betting.State  `json:"to"`
	At    time.Time      `json:"at"`
	Bet   *betting.Bet   `json:"bet"`
}

// NewBoltDB opens (creating if needed) the bet database in dir and replays
// the transition log. A second process on the same directory fails the
// file lock within the timeout instead of hanging.
func NewBoltDB(dir string) (*BoltDB, error) {
	dbPath := filepath.Join(dir, "bets.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bet database (is another gun running?): %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{betsBucket, oraclesBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	walPath := filepath.Join(dir, "bets.log")
	wal, err := os.OpenFile(walPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open transition log: %w", err)
	}

	b := &BoltDB{db: db, wal: wal}
	if err := b.replay(); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// replay applies transition records the primary has not seen. A torn final
// line (crash mid-append) is discarded; corruption anywhere else is a data
// integrity failure.
func (b *BoltDB) replay() error {
	if _, err := b.wal.Seek(0, 0); err != nil {
		return err
	}
	var applied uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		applied = getUint64(tx.Bucket(metaBucket), walSeqKey)
		return nil
	})
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(b.wal)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<22)
	var pending []walRecord
	var sawTorn bool
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if sawTorn {
			// A record after a torn line means the log itself is damaged,
			// not merely truncated by a crash.
			return fmt.Errorf("%w: transition log corrupt before final record", ErrDataIntegrity)
		}
		var rec walRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			sawTorn = true
			continue
		}
		if rec.Seq <= applied {
			continue
		}
		pending = append(pending, rec)
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if len(pending) == 0 {
		return nil
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bets := tx.Bucket(betsBucket)
		meta := tx.Bucket(metaBucket)
		seq := applied
		for _, rec := range pending {
			if rec.Seq != seq+1 {
				return fmt.Errorf("%w: transition log skips from seq %d to %d", ErrDataIntegrity, seq, rec.Seq)
			}
			if rec.Bet == nil {
				return fmt.Errorf("%w: transition record %d has no bet", ErrDataIntegrity, rec.Seq)
			}
			if err := putBet(bets, rec.Bet); err != nil {
				return err
			}
			if rec.Bet.ID >= betting.BetID(getUint32(meta, nextBetIDKey)) {
				if err := putUint32(meta, nextBetIDKey, uint32(rec.Bet.ID)+1); err != nil {
					return err
				}
			}
			seq = rec.Seq
		}
		return putUint64(meta, walSeqKey, seq)
	})
}

// appendWAL writes one transition record and fsyncs before the caller
// touches the primary.
func (b *BoltDB) appendWAL(rec *walRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	if _, err := b.wal.Write(raw); err != nil {
		return fmt.Errorf("append transition log: %w", err)
	}
	if err := b.wal.Sync(); err != nil {
		return fmt.Errorf("sync transition log: %w", err)
	}
	return nil
}

func (b *BoltDB) nextSeq() (uint64, error) {
	var seq uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		seq = getUint64(tx.Bucket(metaBucket), walSeqKey)
		return nil
	})
	return seq + 1, err
}

func (b *BoltDB) InsertBet(bet *betting.Bet) (betting.BetID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var id betting.BetID
	err := b.db.View(func(tx *bolt.Tx) error {
		id = betting.BetID(getUint32(tx.Bucket(metaBucket), nextBetIDKey))
		return nil
	})
	if err != nil {
		return 0, err
	}
	bet.ID = id

	seq, err := b.nextSeq()
	if err != nil {
		return 0, err
	}
	rec := &walRecord{Seq: seq, BetID: id, To: bet.State, At: time.Now().UTC(), Bet: bet}
	if err := b.appendWAL(rec); err != nil {
		return 0, err
	}

	err = b.db.Update(func(tx *bolt.Tx) error {
		if err := putBet(tx.Bucket(betsBucket), bet); err != nil {
			return err
		}
		meta := tx.Bucket(metaBucket)
		if err := putUint32(meta, nextBetIDKey, uint32(id)+1); err != nil {
			return err
		}
		return putUint64(meta, walSeqKey, seq)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (b *BoltDB) GetBet(id betting.BetID) (*betting.Bet, error) {
	var bet *betting.Bet
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(betsBucket).Get(betKey(id))
		if raw == nil {
			return ErrBetNotFound
		}
		bet = &betting.Bet{}
		return json.Unmarshal(raw, bet)
	})
	return bet, err
}

func (b *BoltDB) ListBets() ([]*betting.Bet, error) {
	var bets []*betting.Bet
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(betsBucket).ForEach(func(_, raw []byte) error {
			bet := &betting.Bet{}
			if err := json.Unmarshal(raw, bet); err != nil {
				return err
			}
			bets = append(bets, bet)
			return nil
		})
	})
	return bets, err
}

func (b *BoltDB) UpdateBet(id betting.BetID, fn func(*betting.Bet) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	bet, err := b.GetBet(id)
	if err != nil {
		return err
	}
	from := bet.State
	if err := fn(bet); err != nil {
		return err
	}
	if bet.ID != id {
		return fmt.Errorf("update must not change bet id")
	}
	if bet.State != from && !betting.CanTransition(from, bet.State) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, bet.State)
	}

	seq, err := b.nextSeq()
	if err != nil {
		return err
	}
	rec := &walRecord{Seq: seq, BetID: id, From: from, To: bet.State, At: time.Now().UTC(), Bet: bet}
	if err := b.appendWAL(rec); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := putBet(tx.Bucket(betsBucket), bet); err != nil {
			return err
		}
		return putUint64(tx.Bucket(metaBucket), walSeqKey, seq)
	})
}

func (b *BoltDB) ReservedOutpoints() (map[wire.OutPoint]betting.BetID, error) {
	bets, err := b.ListBets()
	if err != nil {
		return nil, err
	}
	reserved := make(map[wire.OutPoint]betting.BetID)
	for _, bet := range bets {
		if bet.State.Terminal() {
			continue
		}
		for _, op := range bet.ReservedUTXOs {
			if other, ok := reserved[op]; ok {
				return nil, fmt.Errorf("%w: bets %d and %d both reserve %s", ErrDataIntegrity, other, bet.ID, op)
			}
			reserved[op] = bet.ID
		}
	}
	return reserved, nil
}

func (b *BoltDB) InsertOracle(info *oracle.Info) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(oraclesBucket)
		if bkt.Get([]byte(info.ID)) != nil {
			return ErrOracleExists
		}
		raw, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(info.ID), raw)
	})
}

func (b *BoltDB) GetOracle(id string) (*oracle.Info, error) {
	var info *oracle.Info
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(oraclesBucket).Get([]byte(id))
		if raw == nil {
			return ErrOracleNotFound
		}
		info = &oracle.Info{}
		return json.Unmarshal(raw, info)
	})
	return info, err
}

func (b *BoltDB) ListOracles() ([]*oracle.Info, error) {
	var infos []*oracle.Info
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(oraclesBucket).ForEach(func(_, raw []byte) error {
			info := &oracle.Info{}
			if err := json.Unmarshal(raw, info); err != nil {
				return err
			}
			infos = append(infos, info)
			return nil
		})
	})
	return infos, err
}

func (b *BoltDB) DeleteOracle(id string) error {
	bets, err := b.ListBets()
	if err != nil {
		return err
	}
	for _, bet := range bets {
		if bet.OracleID == id && !bet.State.Terminal() {
			return fmt.Errorf("%w: bet %d is %s", ErrOracleInUse, bet.ID, bet.State)
		}
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(oraclesBucket)
		if bkt.Get([]byte(id)) == nil {
			return ErrOracleNotFound
		}
		return bkt.Delete([]byte(id))
	})
}

func (b *BoltDB) Close() error {
	walErr := b.wal.Close()
	dbErr := b.db.Close()
	if dbErr != nil {
		return dbErr
	}
	return walErr
}

func betKey(id betting.BetID) []byte {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], uint32(id))
	return key[:]
}

func putBet(bkt *bolt.Bucket, bet *betting.Bet) error {
	raw, err := json.Marshal(bet)
	if err != nil {
		return err
	}
	return bkt.Put(betKey(bet.ID), raw)
}

func getUint32(bkt *bolt.Bucket, key []byte) uint32 {
	raw := bkt.Get(key)
	if len(raw) != 4 {
		return 1 // bet ids start at 1
	}
	return binary.BigEndian.Uint32(raw)
}

func putUint32(bkt *bolt.Bucket, key []byte, v uint32) error {
	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], v)
	return bkt.Put(key, raw[:])
}

func getUint64(bkt *bolt.Bucket, key []byte) uint64 {
	raw := bkt.Get(key)
	if len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func putUint64(bkt *bolt.Bucket, key []byte, v uint64) error {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], v)
	return bkt.Put(key, raw[:])
}
