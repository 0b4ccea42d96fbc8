package keymap

import (
	evdev "github.com/holoplot/go-evdev"
)

// Standard returns the table for a standard US layout. Row 0 is the function
// row, rows 1-5 are the main block and row 6 holds the lower arrow keys.
func Standard() *Table {
	return NewTable(standardKeys)
}

func key(code evdev.EvCode) KeyCode { return KeyCode(code) }

var standardKeys = map[KeyCode]KeyInfo{
	key(evdev.KEY_ESC): {"Escape", "Esc", 0, 0, 1},
	key(evdev.KEY_F1):  {"F1", "F1", 0, 2, 1},
	key(evdev.KEY_F2):  {"F2", "F2", 0, 3, 1},
	key(evdev.KEY_F3):  {"F3", "F3", 0, 4, 1},
	key(evdev.KEY_F4):  {"F4", "F4", 0, 5, 1},
	key(evdev.KEY_F5):  {"F5", "F5", 0, 7, 1},
	key(evdev.KEY_F6):  {"F6", "F6", 0, 8, 1},
	key(evdev.KEY_F7):  {"F7", "F7", 0, 9, 1},
	key(evdev.KEY_F8):  {"F8", "F8", 0, 10, 1},
	key(evdev.KEY_F9):  {"F9", "F9", 0, 12, 1},
	key(evdev.KEY_F10): {"F10", "F10", 0, 13, 1},
	key(evdev.KEY_F11): {"F11", "F11", 0, 14, 1},
	key(evdev.KEY_F12): {"F12", "F12", 0, 15, 1},

	key(evdev.KEY_GRAVE):     {"Grave", "`", 1, 0, 1},
	key(evdev.KEY_1):         {"1", "1", 1, 1, 1},
	key(evdev.KEY_2):         {"2", "2", 1, 2, 1},
	key(evdev.KEY_3):         {"3", "3", 1, 3, 1},
	key(evdev.KEY_4):         {"4", "4", 1, 4, 1},
	key(evdev.KEY_5):         {"5", "5", 1, 5, 1},
	key(evdev.KEY_6):         {"6", "6", 1, 6, 1},
	key(evdev.KEY_7):         {"7", "7", 1, 7, 1},
	key(evdev.KEY_8):         {"8", "8", 1, 8, 1},
	key(evdev.KEY_9):         {"9", "9", 1, 9, 1},
	key(evdev.KEY_0):         {"0", "0", 1, 10, 1},
	key(evdev.KEY_MINUS):     {"Minus", "-", 1, 11, 1},
	key(evdev.KEY_EQUAL):     {"Equals", "=", 1, 12, 1},
	key(evdev.KEY_BACKSPACE): {"Backspace", "Bksp", 1, 13, 2},

	key(evdev.KEY_TAB):        {"Tab", "Tab", 2, 0, 1.5},
	key(evdev.KEY_Q):          {"Q", "Q", 2, 1, 1},
	key(evdev.KEY_W):          {"W", "W", 2, 2, 1},
	key(evdev.KEY_E):          {"E", "E", 2, 3, 1},
	key(evdev.KEY_R):          {"R", "R", 2, 4, 1},
	key(evdev.KEY_T):          {"T", "T", 2, 5, 1},
	key(evdev.KEY_Y):          {"Y", "Y", 2, 6, 1},
	key(evdev.KEY_U):          {"U", "U", 2, 7, 1},
	key(evdev.KEY_I):          {"I", "I", 2, 8, 1},
	key(evdev.KEY_O):          {"O", "O", 2, 9, 1},
	key(evdev.KEY_P):          {"P", "P", 2, 10, 1},
	key(evdev.KEY_LEFTBRACE):  {"LeftBracket", "[", 2, 11, 1},
	key(evdev.KEY_RIGHTBRACE): {"RightBracket", "]", 2, 12, 1},
	key(evdev.KEY_BACKSLASH):  {"Backslash", "\\", 2, 13, 1.5},

	key(evdev.KEY_CAPSLOCK):   {"CapsLock", "Caps", 3, 0, 1.75},
	key(evdev.KEY_A):          {"A", "A", 3, 1, 1},
	key(evdev.KEY_S):          {"S", "S", 3, 2, 1},
	key(evdev.KEY_D):          {"D", "D", 3, 3, 1},
	key(evdev.KEY_F):          {"F", "F", 3, 4, 1},
	key(evdev.KEY_G):          {"G", "G", 3, 5, 1},
	key(evdev.KEY_H):          {"H", "H", 3, 6, 1},
	key(evdev.KEY_J):          {"J", "J", 3, 7, 1},
	key(evdev.KEY_K):          {"K", "K", 3, 8, 1},
	key(evdev.KEY_L):          {"L", "L", 3, 9, 1},
	key(evdev.KEY_SEMICOLON):  {"Semicolon", ";", 3, 10, 1},
	key(evdev.KEY_APOSTROPHE): {"Apostrophe", "'", 3, 11, 1},
	key(evdev.KEY_ENTER):      {"Enter", "Enter", 3, 12, 2.25},

	key(evdev.KEY_LEFTSHIFT):  {"LeftShift", "Shift", 4, 0, 2.25},
	key(evdev.KEY_Z):          {"Z", "Z", 4, 1, 1},
	key(evdev.KEY_X):          {"X", "X", 4, 2, 1},
	key(evdev.KEY_C):          {"C", "C", 4, 3, 1},
	key(evdev.KEY_V):          {"V", "V", 4, 4, 1},
	key(evdev.KEY_B):          {"B", "B", 4, 5, 1},
	key(evdev.KEY_N):          {"N", "N", 4, 6, 1},
	key(evdev.KEY_M):          {"M", "M", 4, 7, 1},
	key(evdev.KEY_COMMA):      {"Comma", ",", 4, 8, 1},
	key(evdev.KEY_DOT):        {"Period", ".", 4, 9, 1},
	key(evdev.KEY_SLASH):      {"Slash", "/", 4, 10, 1},
	key(evdev.KEY_RIGHTSHIFT): {"RightShift", "Shift", 4, 11, 2.75},

	key(evdev.KEY_LEFTCTRL):  {"LeftCtrl", "Ctrl", 5, 0, 1.25},
	key(evdev.KEY_LEFTMETA):  {"LeftMeta", "Win", 5, 1, 1.25},
	key(evdev.KEY_LEFTALT):   {"LeftAlt", "Alt", 5, 2, 1.25},
	key(evdev.KEY_SPACE):     {"Space", "Space", 5, 3, 6.25},
	key(evdev.KEY_RIGHTALT):  {"RightAlt", "Alt", 5, 4, 1.25},
	key(evdev.KEY_RIGHTMETA): {"RightMeta", "Win", 5, 5, 1.25},
	key(evdev.KEY_COMPOSE):   {"Menu", "Menu", 5, 6, 1.25},
	key(evdev.KEY_RIGHTCTRL): {"RightCtrl", "Ctrl", 5, 7, 1.25},

	key(evdev.KEY_UP):    {"Up", "↑", 5, 9, 1},
	key(evdev.KEY_LEFT):  {"Left", "←", 6, 8, 1},
	key(evdev.KEY_DOWN):  {"Down", "↓", 6, 9, 1},
	key(evdev.KEY_RIGHT): {"Right", "→", 6, 10, 1},

	key(evdev.KEY_INSERT):   {"Insert", "Ins", 1, 15, 1},
	key(evdev.KEY_HOME):     {"Home", "Home", 1, 16, 1},
	key(evdev.KEY_PAGEUP):   {"PageUp", "PgUp", 1, 17, 1},
	key(evdev.KEY_DELETE):   {"Delete", "Del", 2, 15, 1},
	key(evdev.KEY_END):      {"End", "End", 2, 16, 1},
	key(evdev.KEY_PAGEDOWN): {"PageDown", "PgDn", 2, 17, 1},
}
