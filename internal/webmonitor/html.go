package webmonitor

const indexHTML = `
<!DOCTYPE html>
<html lang="id">
<head>
    <title>Automatic Vehicle Classification</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <link rel="stylesheet" href="/assets/monitor.css">
</head>
<body>
    <div class="app">
        <div class="header">
            <div class="title">Automatic Vehicle Classification</div>
            <p class="subtitle">SISTEM KLASIFIKASI GOLONGAN KENDARAAN PADA GARDU TOL HYBRID BERBASIS VISI KOMPUTER</p>
            <span class="badge" id="backend-badge">Menunggu backend...</span>
        </div>

        <div class="grid">
            <div class="panel">
                <h2>Kamera Frontal (Deteksi Konfigurasi Ban)</h2>
                <p class="panel-subtitle" id="frontal-subtitle">Menunggu deteksi...</p>
                <div class="camera">
                    <img id="frontal-stream" src="/stream/frontal" alt="Frontal camera stream">
                    <span class="status-dot pending" id="frontal-status">● Menunggu...</span>
                </div>
                <a class="snapshot-link" href="/snapshot/frontal.jpg" download="frontal.jpg">Simpan snapshot</a>
            </div>

            <div class="panel">
                <h2>Kamera Overhead (Line Crossing Detection)</h2>
                <p class="panel-subtitle" id="overhead-subtitle">Gandar Terdeteksi: 0 | Gandar Melintas: 0</p>
                <div class="camera">
                    <img id="overhead-stream" src="/stream/overhead" alt="Overhead camera stream">
                    <span class="status-dot pending" id="overhead-status">● Menunggu...</span>
                </div>
                <a class="snapshot-link" href="/snapshot/overhead.jpg" download="overhead.jpg">Simpan snapshot</a>
            </div>
        </div>

        <div class="panel" style="margin-top:24px;">
            <h2>Hasil Analisis</h2>
            <p class="panel-subtitle" id="system-status">Status sistem: --</p>
            <div class="analysis">
                <div class="stat">
                    <span class="stat-label">ID Kendaraan</span>
                    <span class="stat-value" id="vehicle-id">---</span>
                </div>
                <div class="stat">
                    <span class="stat-label">Jumlah Gandar</span>
                    <span class="stat-value" id="axle-count" style="color:var(--accent);">0</span>
                </div>
                <div class="stat">
                    <span class="stat-label">Golongan</span>
                    <span class="stat-value" id="classification">--</span>
                </div>
                <div class="stat">
                    <span class="stat-label">Waktu Deteksi</span>
                    <span class="stat-value" id="detection-time">--:--:--</span>
                </div>
            </div>
        </div>

        <div class="grid" style="margin-top:24px;">
            <div class="panel">
                <h2>Kontrol</h2>
                <p class="panel-subtitle">Perintah operator ke backend</p>
                <div class="controls">
                    <button type="button" class="btn btn-danger" id="btn-hard-reset">Reset Semua ID</button>
                    <button type="button" class="btn btn-warn" id="btn-reset">Reset Klasifikasi</button>
                    <button type="button" class="btn btn-muted" id="btn-reconnect">Sambung Ulang</button>
                </div>
                <div class="line-config">
                    <label for="line-y">Posisi Garis Deteksi</label>
                    <input type="range" id="line-y" min="100" max="400" value="300">
                    <span id="line-y-value">300px</span>
                </div>
                <p class="footer-note" id="command-result"></p>
            </div>

            <div class="panel">
                <h2>Log Sistem</h2>
                <p class="panel-subtitle" id="camera-stats">--</p>
                <ul class="log" id="activity-log"></ul>
            </div>
        </div>

        <p class="footer-note">Status diperbarui melalui SSE (/api/status/stream). Video: MJPEG per kamera.</p>
    </div>
    <script src="/assets/monitor.js"></script>
</body>
</html>
`
