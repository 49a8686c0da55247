// Command vulnapp is a deliberately injectable web application used as the
// scan target of the end-to-end tests. Never expose it.
package main

import (
	"database/sql"
	"fmt"
	"html"
	"log"
	"net/http"
	"os"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

type app struct {
	mysql    *sql.DB
	postgres *sql.DB
}

func main() {
	a := &app{
		mysql:    open("mysql", os.Getenv("MYSQL_DSN")),
		postgres: open("postgres", os.Getenv("POSTGRES_DSN")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "OK")
	})

	// concatenated queries
	mux.HandleFunc("GET /mysql/user", a.users(a.mysql, ""))
	mux.HandleFunc("GET /pg/user", a.users(a.postgres, ""))
	mux.HandleFunc("POST /mysql/login", a.login(a.mysql))
	mux.HandleFunc("POST /pg/login", a.login(a.postgres))

	// parameterized counterparts
	mux.HandleFunc("GET /safe/mysql/user", a.users(a.mysql, "?"))
	mux.HandleFunc("GET /safe/pg/user", a.users(a.postgres, "$1"))

	addr := ":8080"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}
	log.Printf("vulnapp listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func open(driver, dsn string) *sql.DB {
	if dsn == "" {
		return nil
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		log.Fatalf("%s: open: %v", driver, err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("%s: ping: %v", driver, err)
	}
	log.Printf("connected to %s", driver)
	return db
}

// users looks a user up by id. An empty placeholder concatenates the id
// into the query.
func (a *app) users(db *sql.DB, placeholder string) http.HandlerFunc {
	safe := placeholder != ""
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			http.Error(w, "database not configured", http.StatusServiceUnavailable)
			return
		}
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "missing id parameter", http.StatusBadRequest)
			return
		}

		var (
			rows *sql.Rows
			err  error
		)
		if safe {
			rows, err = db.Query("SELECT id, username, email FROM users WHERE id = "+placeholder, id)
		} else {
			rows, err = db.Query("SELECT id, username, email FROM users WHERE id = " + id)
		}
		if err != nil {
			dbError(w, err, safe)
			return
		}
		defer rows.Close()

		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body><h1>User</h1>")
		n := 0
		for rows.Next() {
			var uid int
			var name, email string
			if err := rows.Scan(&uid, &name, &email); err != nil {
				continue
			}
			n++
			fmt.Fprintf(w, "<p>%d %s %s</p>", uid, html.EscapeString(name), html.EscapeString(email))
		}
		if n == 0 {
			fmt.Fprint(w, "<p>No user found.</p>")
		}
		fmt.Fprint(w, "</body></html>")
	}
}

func (a *app) login(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			http.Error(w, "database not configured", http.StatusServiceUnavailable)
			return
		}
		user := r.FormValue("username")
		pass := r.FormValue("password")
		query := fmt.Sprintf("SELECT username FROM users WHERE username = '%s' AND password = '%s'", user, pass)

		var name string
		err := db.QueryRow(query).Scan(&name)
		switch {
		case err == sql.ErrNoRows:
			fmt.Fprint(w, "<html><body><h1>Login failed</h1></body></html>")
		case err != nil:
			dbError(w, err, false)
		default:
			fmt.Fprintf(w, "<html><body><h1>Welcome %s</h1></body></html>", html.EscapeString(name))
		}
	}
}

func dbError(w http.ResponseWriter, err error, safe bool) {
	if safe {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintf(w, "<html><body><h1>Database Error</h1><p>%s</p></body></html>", err.Error())
}
