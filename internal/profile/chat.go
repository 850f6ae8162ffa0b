package profile

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

const (
	chatsDir      = "chats/"
	filesDir      = "files/"
	chatIndexPath = "profile/chat-index.json"
)

// Message is one chat history entry.
type Message struct {
	Text string `json:"text"`
	Me   bool   `json:"me"`
	TS   int64  `json:"ts"`
	From string `json:"from,omitempty"`
}

func (m Message) key() string {
	return strconv.FormatInt(m.TS, 10) + "|" + strconv.FormatBool(m.Me) + "|" + m.Text
}

func chatPath(id string) string { return chatsDir + id + ".json" }

// validChatID allows the "g:<group id>" and "unk:<inbox>" forms used for
// group and unknown-sender chats.
func validChatID(id string) error {
	if prefix, rest, ok := strings.Cut(id, ":"); ok && (prefix == "g" || prefix == "unk") {
		return validID(rest)
	}
	return validID(id)
}

// AppendMessage adds msgs to the chat and persists it before returning.
// Messages already on disk (same time, direction and text) are not
// duplicated. A zero TS is set to the current time.
func (s *Store) AppendMessage(chatID string, msgs ...Message) error {
	if err := validChatID(chatID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	history, err := s.chat(chatID)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(history))
	for _, m := range history {
		seen[m.key()] = true
	}
	for _, m := range msgs {
		if m.TS == 0 {
			m.TS = s.now().UnixMilli()
		}
		if seen[m.key()] {
			continue
		}
		seen[m.key()] = true
		history = append(history, m)
	}
	if err := s.putJSON(chatPath(chatID), history); err != nil {
		return err
	}

	ids, err := s.chatIndex()
	if err != nil {
		return err
	}
	if !slices.Contains(ids, chatID) {
		if err := s.putJSON(chatIndexPath, append(ids, chatID)); err != nil {
			return err
		}
	}
	return nil
}

// Chat returns the history of a chat, oldest first. A chat with no
// history is empty, not an error.
func (s *Store) Chat(chatID string) ([]Message, error) {
	if err := validChatID(chatID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chat(chatID)
}

func (s *Store) chat(chatID string) ([]Message, error) {
	raw, err := s.get(chatPath(chatID))
	if err != nil || raw == nil {
		return []Message{}, err
	}
	var msgs []Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("profile: chat %q: %w", chatID, err)
	}
	return msgs, nil
}

func (s *Store) chatIndex() ([]string, error) {
	raw, err := s.get(chatIndexPath)
	if err != nil || raw == nil {
		return []string{}, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		logf(s.logger, "profile: chat index unreadable, rebuilding: %v", err)
		return []string{}, nil
	}
	return ids, nil
}

// ChatIDs returns the chats in the index plus any chat files the index
// is missing. The index is rewritten when it was incomplete.
func (s *Store) ChatIDs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.chatIndex()
	if err != nil {
		return nil, err
	}
	paths, err := s.fs.List(chatsDir)
	if err != nil {
		return nil, fmt.Errorf("profile: list chats: %w", err)
	}
	changed := false
	for _, p := range paths {
		id, ok := strings.CutSuffix(strings.TrimPrefix(p, chatsDir), ".json")
		if !ok || strings.Contains(id, "/") || slices.Contains(ids, id) {
			continue
		}
		ids = append(ids, id)
		changed = true
	}
	if changed {
		if err := s.putJSON(chatIndexPath, ids); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func filePath(chatID, fileID, name string) string {
	return filesDir + chatID + "/" + fileID + "/" + name
}

func validFile(chatID, fileID, name string) error {
	if err := validChatID(chatID); err != nil {
		return err
	}
	if err := validID(fileID); err != nil {
		return err
	}
	return validID(name)
}

// SaveFile stores a received or sent file under the chat it belongs to.
func (s *Store) SaveFile(chatID, fileID, name string, data []byte) error {
	if err := validFile(chatID, fileID, name); err != nil {
		return err
	}
	return s.put(filePath(chatID, fileID, name), data)
}

// File returns a stored file.
func (s *Store) File(chatID, fileID, name string) ([]byte, error) {
	if err := validFile(chatID, fileID, name); err != nil {
		return nil, err
	}
	data, err := s.get(filePath(chatID, fileID, name))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: file %s/%s", ErrNotFound, fileID, name)
	}
	return data, nil
}
